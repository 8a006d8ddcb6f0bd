package binance

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	futures "github.com/adshao/go-binance/v2/futures"

	"github.com/alisitki/quantlab/models"
	"github.com/alisitki/quantlab/reader"
)

// DefaultURL is the USDT-M futures combined stream endpoint.
const DefaultURL = "wss://fstream.binance.com/stream"

const (
	streamBookTicker = "bookTicker"
	streamAggTrade   = "aggTrade"
	streamMarkPrice  = "markPrice@1s"
)

// Handler speaks the Binance futures combined-stream protocol.
type Handler struct {
	baseURL string
}

func New(baseURL string) *Handler {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Handler{baseURL: strings.TrimRight(baseURL, "/?")}
}

func (h *Handler) Name() string { return models.ExchangeBinance }

// BuildStreams returns bookTicker, aggTrade and 1s markPrice stream names for
// every symbol, in symbol order.
func BuildStreams(symbols []string) []string {
	streams := make([]string, 0, len(symbols)*3)
	for _, sym := range symbols {
		s := strings.ToLower(strings.TrimSpace(sym))
		if s == "" {
			continue
		}
		streams = append(streams,
			s+"@"+streamBookTicker,
			s+"@"+streamAggTrade,
			s+"@"+streamMarkPrice,
		)
	}
	return streams
}

// Subscription encodes every stream into the connection URL, so no
// subscribe message is sent after the handshake.
func (h *Handler) Subscription(symbols []string) (reader.Subscription, error) {
	streams := BuildStreams(symbols)
	if len(streams) == 0 {
		return reader.Subscription{}, fmt.Errorf("binance: no symbols to subscribe")
	}
	u, err := url.Parse(h.baseURL)
	if err != nil {
		return reader.Subscription{}, fmt.Errorf("binance: parse url: %w", err)
	}
	// Stream names carry '@' and '/', which Binance expects unescaped.
	u.RawQuery = "streams=" + strings.Join(streams, "/")
	return reader.Subscription{URL: u.String(), Streams: streams}, nil
}

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// Normalize decodes a combined-stream frame. Every field is parsed before
// anything is returned, so a bad field drops the whole frame.
func (h *Handler) Normalize(frame []byte, recvMs int64) ([]models.Event, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", reader.ErrDecode, err)
	}
	data := bytes.TrimSpace(env.Data)
	if env.Stream == "" || len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, fmt.Errorf("%w: missing stream or data", reader.ErrDecode)
	}

	var fields payload
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", reader.ErrDecode, env.Stream, err)
	}

	symbol := symbolFromStream(env.Stream)
	if symbol == "" {
		return nil, fmt.Errorf("%w: no symbol in %q", reader.ErrDecode, env.Stream)
	}
	hdr := models.Header{
		TsRecv:   recvMs,
		Exchange: models.ExchangeBinance,
		Symbol:   symbol,
	}

	stream := strings.ToLower(env.Stream)
	switch {
	case strings.Contains(stream, "bookticker"):
		ev, err := parseBookTicker(fields, hdr)
		if err != nil {
			return nil, err
		}
		return []models.Event{ev}, nil
	case strings.Contains(stream, "aggtrade"):
		ev, err := parseAggTrade(data, fields, hdr)
		if err != nil {
			return nil, err
		}
		return []models.Event{ev}, nil
	case strings.Contains(stream, "markprice"):
		return parseMarkPrice(fields, hdr)
	default:
		return nil, fmt.Errorf("%w: %s", reader.ErrUnknownStream, env.Stream)
	}
}

func symbolFromStream(stream string) string {
	prefix, _, _ := strings.Cut(stream, "@")
	return strings.ToUpper(strings.TrimSpace(prefix))
}

func parseBookTicker(p payload, hdr models.Header) (models.Event, error) {
	bidPrice, err := p.nonNegative("b")
	if err != nil {
		return nil, err
	}
	bidQty, err := p.nonNegative("B")
	if err != nil {
		return nil, err
	}
	askPrice, err := p.nonNegative("a")
	if err != nil {
		return nil, err
	}
	askQty, err := p.nonNegative("A")
	if err != nil {
		return nil, err
	}
	tsEvent, err := p.eventTime("T", hdr.TsRecv)
	if err != nil {
		return nil, err
	}

	hdr.Stream = models.StreamBBO
	hdr.TsEvent = tsEvent
	return models.BBOEvent{
		Header:   hdr,
		BidPrice: bidPrice,
		BidQty:   bidQty,
		AskPrice: askPrice,
		AskQty:   askQty,
	}, nil
}

func parseAggTrade(data []byte, p payload, hdr models.Header) (models.Event, error) {
	price, err := p.positive("p")
	if err != nil {
		return nil, err
	}
	qty, err := p.positive("q")
	if err != nil {
		return nil, err
	}
	tradeID, ok, err := p.text("a")
	if err != nil {
		return nil, err
	}
	if !ok || tradeID == "" {
		return nil, missing("a")
	}
	tsEvent, err := p.eventTime("T", hdr.TsRecv)
	if err != nil {
		return nil, err
	}

	if m, ok := p.raw("m"); ok && !bytes.Equal(m, []byte("true")) && !bytes.Equal(m, []byte("false")) {
		return nil, fmt.Errorf("%w: field %q is not a boolean", reader.ErrValidation, "m")
	}
	// Numeric fields were read above; the typed event only supplies the
	// maker flag, so a type mismatch elsewhere is not an error here.
	var raw futures.WsAggTradeEvent
	var typeErr *json.UnmarshalTypeError
	if err := json.Unmarshal(data, &raw); err != nil && !errors.As(err, &typeErr) {
		return nil, fmt.Errorf("%w: aggTrade: %v", reader.ErrDecode, err)
	}

	side := models.SideBuy
	if raw.Maker {
		side = models.SideSell
	}

	hdr.Stream = models.StreamTrade
	hdr.TsEvent = tsEvent
	return models.TradeEvent{
		Header:  hdr,
		Price:   price,
		Qty:     qty,
		Side:    side,
		TradeID: tradeID,
	}, nil
}

// parseMarkPrice returns the mark price and, when the frame carries a
// non-zero funding rate, a funding event sharing its event time.
func parseMarkPrice(p payload, hdr models.Header) ([]models.Event, error) {
	markPrice, err := p.positive("p")
	if err != nil {
		return nil, err
	}

	var indexPrice *float64
	if v, ok, err := p.optional("i"); err != nil {
		return nil, err
	} else if ok && v != 0 {
		if v < 0 {
			return nil, fmt.Errorf("%w: field %q is negative", reader.ErrValidation, "i")
		}
		indexPrice = &v
	}

	fundingRate, _, err := p.optional("r")
	if err != nil {
		return nil, err
	}
	nextFunding, _, err := p.millis("T")
	if err != nil {
		return nil, err
	}
	tsEvent, err := p.eventTime("E", hdr.TsRecv)
	if err != nil {
		return nil, err
	}

	mark := hdr
	mark.Stream = models.StreamMarkPrice
	mark.TsEvent = tsEvent
	events := []models.Event{models.MarkPriceEvent{
		Header:     mark,
		MarkPrice:  markPrice,
		IndexPrice: indexPrice,
	}}

	if fundingRate != 0 {
		funding := hdr
		funding.Stream = models.StreamFunding
		funding.TsEvent = tsEvent
		events = append(events, models.FundingEvent{
			Header:        funding,
			FundingRate:   fundingRate,
			NextFundingTs: nextFunding,
		})
	}
	return events, nil
}

// payload is the data object of one frame. Numeric fields are accepted as
// JSON strings or JSON numbers.
type payload map[string]json.RawMessage

func missing(key string) error {
	return fmt.Errorf("%w: missing field %q", reader.ErrValidation, key)
}

// raw returns the field unless it is absent or null.
func (p payload) raw(key string) (json.RawMessage, bool) {
	v := bytes.TrimSpace(p[key])
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return nil, false
	}
	return v, true
}

// text returns a string field unquoted, or a number literal as written.
func (p payload) text(key string) (string, bool, error) {
	v, ok := p.raw(key)
	if !ok {
		return "", false, nil
	}
	switch c := v[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", true, fmt.Errorf("%w: field %q: %v", reader.ErrValidation, key, err)
		}
		return strings.TrimSpace(s), true, nil
	case c == '-' || (c >= '0' && c <= '9'):
		return string(v), true, nil
	default:
		return "", true, fmt.Errorf("%w: field %q is not a string or number", reader.ErrValidation, key)
	}
}

func (p payload) number(key string) (float64, error) {
	s, ok, err := p.text(key)
	if err != nil {
		return 0, err
	}
	if !ok || s == "" {
		return 0, missing(key)
	}
	return parseFinite(key, s)
}

func (p payload) nonNegative(key string) (float64, error) {
	v, err := p.number(key)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: field %q is negative", reader.ErrValidation, key)
	}
	return v, nil
}

func (p payload) positive(key string) (float64, error) {
	v, err := p.number(key)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("%w: field %q must be positive", reader.ErrValidation, key)
	}
	return v, nil
}

// optional parses a numeric field that may be absent or empty.
func (p payload) optional(key string) (float64, bool, error) {
	s, ok, err := p.text(key)
	if err != nil || !ok || s == "" {
		return 0, false, err
	}
	v, err := parseFinite(key, s)
	return v, err == nil, err
}

// millis parses an optional millisecond timestamp.
func (p payload) millis(key string) (int64, bool, error) {
	s, ok, err := p.text(key)
	if err != nil || !ok || s == "" {
		return 0, false, err
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, true, nil
	}
	f, err := parseFinite(key, s)
	if err != nil {
		return 0, false, err
	}
	return int64(f), true, nil
}

// eventTime returns the timestamp field when present, else recv.
func (p payload) eventTime(key string, recv int64) (int64, error) {
	ts, ok, err := p.millis(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return recv, nil
	}
	return ts, nil
}

func parseFinite(field, s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: field %q: %v", reader.ErrValidation, field, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: field %q is not finite", reader.ErrValidation, field)
	}
	return v, nil
}
