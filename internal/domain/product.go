package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type ProductKind string

const (
	ProductVote    ProductKind = "vote"
	ProductTicket  ProductKind = "ticket"
	ProductUnknown ProductKind = "unknown"
)

// Product names the sub-transaction a payment is for.
type Product struct {
	Kind       ProductKind `json:"kind"`
	InstanceID uuid.UUID   `json:"instance_id"`
}

func VoteProduct(id uuid.UUID) Product {
	return Product{Kind: ProductVote, InstanceID: id}
}

func TicketProduct(id uuid.UUID) Product {
	return Product{Kind: ProductTicket, InstanceID: id}
}

func (p Product) IsZero() bool {
	return p.Kind == "" && p.InstanceID == uuid.Nil
}

// Metadata wire codes, shared with the gateway through the charge metadata blob.
const (
	metadataVote   = 0
	metadataTicket = 1
)

var ErrInvalidMetadata = errors.New("invalid product metadata")

type productMetadata struct {
	P  *int   `json:"p"`
	ID string `json:"id"`
}

// EncodeMetadata renders the product as the {"p":code,"id":instance} blob sent to the gateway.
func (p Product) EncodeMetadata() (json.RawMessage, error) {
	var code int
	switch p.Kind {
	case ProductVote:
		code = metadataVote
	case ProductTicket:
		code = metadataTicket
	default:
		return nil, fmt.Errorf("%w: cannot encode kind %q", ErrInvalidMetadata, p.Kind)
	}
	return json.Marshal(productMetadata{P: &code, ID: p.InstanceID.String()})
}

// DecodeMetadata parses a metadata blob echoed back by the gateway.
// Missing fields, unknown fields, unknown codes and non-UUID ids are rejected.
func DecodeMetadata(raw []byte) (Product, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var m productMetadata
	if err := dec.Decode(&m); err != nil {
		return Product{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if m.P == nil || m.ID == "" {
		return Product{}, fmt.Errorf("%w: p and id are required", ErrInvalidMetadata)
	}

	id, err := uuid.Parse(m.ID)
	if err != nil {
		return Product{}, fmt.Errorf("%w: id: %v", ErrInvalidMetadata, err)
	}

	switch *m.P {
	case metadataVote:
		return VoteProduct(id), nil
	case metadataTicket:
		return TicketProduct(id), nil
	default:
		return Product{}, fmt.Errorf("%w: unknown product code %d", ErrInvalidMetadata, *m.P)
	}
}
