package serialize

import (
	"testing"

	"oss.nandlabs.io/golly/ioutils"
)

type payload struct {
	OrderID string `json:"orderId"`
	Amount  int    `json:"amount"`
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	in := payload{OrderID: "order-1", Amount: 4200}

	data, err := Marshal(ioutils.MimeApplicationJSON, in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out payload
	if err := Unmarshal(ioutils.MimeApplicationJSON, data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("expected %+v, got %+v", in, out)
	}
}
