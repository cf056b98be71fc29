package hyperliquid

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

type tif string

const (
	tifIoc tif = "Ioc"
	tifGtc tif = "Gtc"
)

// Wire structs serialize the same way in the JSON request body and in the
// msgpack bytes that get signed. Key order in the msgpack encoding is fixed
// by the protocol, so encoding is hand-rolled below instead of reflected.

type limitOrderType struct {
	Tif tif `json:"tif"`
}

type orderTypeWire struct {
	Limit *limitOrderType `json:"limit,omitempty"`
}

type orderWire struct {
	Asset      int           `json:"a"`
	IsBuy      bool          `json:"b"`
	Price      string        `json:"p"`
	Size       string        `json:"s"`
	ReduceOnly bool          `json:"r"`
	OrderType  orderTypeWire `json:"t"`
	Cloid      string        `json:"c,omitempty"`
}

type orderAction struct {
	Type     string      `json:"type"`
	Orders   []orderWire `json:"orders"`
	Grouping string      `json:"grouping"`
}

type cancelWire struct {
	Asset   int   `json:"a"`
	OrderID int64 `json:"o"`
}

type cancelAction struct {
	Type    string       `json:"type"`
	Cancels []cancelWire `json:"cancels"`
}

type signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V int    `json:"v"`
}

type signedAction struct {
	Action       any       `json:"action"`
	Nonce        uint64    `json:"nonce"`
	Signature    signature `json:"signature"`
	VaultAddress *string   `json:"vaultAddress"`
	ExpiresAfter *uint64   `json:"expiresAfter"`
}

func limitOrderWire(asset int, isBuy bool, size, limit float64, reduceOnly bool, t tif, cloid string) (orderWire, error) {
	price, err := floatToWire(limit)
	if err != nil {
		return orderWire{}, fmt.Errorf("limit price: %w", err)
	}
	sizeStr, err := floatToWire(size)
	if err != nil {
		return orderWire{}, fmt.Errorf("size: %w", err)
	}
	return orderWire{
		Asset:      asset,
		IsBuy:      isBuy,
		Price:      price,
		Size:       sizeStr,
		ReduceOnly: reduceOnly,
		OrderType:  orderTypeWire{Limit: &limitOrderType{Tif: t}},
		Cloid:      cloid,
	}, nil
}

// floatToWire renders a float the way the exchange expects: at most 8
// decimals, trailing zeros trimmed, and an error if the value does not
// survive the round trip.
func floatToWire(x float64) (string, error) {
	rounded := fmt.Sprintf("%.8f", x)
	parsed, err := strconv.ParseFloat(rounded, 64)
	if err != nil {
		return "", err
	}
	if math.Abs(parsed-x) >= 1e-12 {
		return "", fmt.Errorf("value %v loses precision on the wire", x)
	}
	trimmed := strings.TrimRight(rounded, "0")
	trimmed = strings.TrimRight(trimmed, ".")
	if trimmed == "" || trimmed == "-0" {
		trimmed = "0"
	}
	return trimmed, nil
}

// packer threads a single error through a sequence of msgpack writes.
type packer struct {
	enc *msgpack.Encoder
	err error
}

func (p *packer) mapLen(n int) {
	if p.err == nil {
		p.err = p.enc.EncodeMapLen(n)
	}
}

func (p *packer) arrayLen(n int) {
	if p.err == nil {
		p.err = p.enc.EncodeArrayLen(n)
	}
}

func (p *packer) str(s string) {
	if p.err == nil {
		p.err = p.enc.EncodeString(s)
	}
}

func (p *packer) boolean(b bool) {
	if p.err == nil {
		p.err = p.enc.EncodeBool(b)
	}
}

func (p *packer) integer(i int64) {
	if p.err == nil {
		p.err = p.enc.EncodeInt(i)
	}
}

func encodeOrderAction(action orderAction) ([]byte, error) {
	if len(action.Orders) == 0 {
		return nil, errors.New("order action requires at least one order")
	}
	if action.Grouping == "" {
		action.Grouping = "na"
	}
	var buf bytes.Buffer
	p := &packer{enc: msgpack.NewEncoder(&buf)}
	p.mapLen(3)
	p.str("type")
	p.str(action.Type)
	p.str("orders")
	p.arrayLen(len(action.Orders))
	for _, order := range action.Orders {
		encodeOrderWire(p, order)
	}
	p.str("grouping")
	p.str(action.Grouping)
	if p.err != nil {
		return nil, p.err
	}
	return buf.Bytes(), nil
}

func encodeOrderWire(p *packer, order orderWire) {
	if order.OrderType.Limit == nil {
		if p.err == nil {
			p.err = errors.New("limit order type required")
		}
		return
	}
	mapLen := 6
	if order.Cloid != "" {
		mapLen++
	}
	p.mapLen(mapLen)
	p.str("a")
	p.integer(int64(order.Asset))
	p.str("b")
	p.boolean(order.IsBuy)
	p.str("p")
	p.str(order.Price)
	p.str("s")
	p.str(order.Size)
	p.str("r")
	p.boolean(order.ReduceOnly)
	p.str("t")
	p.mapLen(1)
	p.str("limit")
	p.mapLen(1)
	p.str("tif")
	p.str(string(order.OrderType.Limit.Tif))
	if order.Cloid != "" {
		p.str("c")
		p.str(order.Cloid)
	}
}

func encodeCancelAction(action cancelAction) ([]byte, error) {
	if len(action.Cancels) == 0 {
		return nil, errors.New("cancel action requires at least one cancel")
	}
	var buf bytes.Buffer
	p := &packer{enc: msgpack.NewEncoder(&buf)}
	p.mapLen(2)
	p.str("type")
	p.str(action.Type)
	p.str("cancels")
	p.arrayLen(len(action.Cancels))
	for _, cancel := range action.Cancels {
		p.mapLen(2)
		p.str("a")
		p.integer(int64(cancel.Asset))
		p.str("o")
		p.integer(cancel.OrderID)
	}
	if p.err != nil {
		return nil, p.err
	}
	return buf.Bytes(), nil
}
