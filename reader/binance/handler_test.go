package binance

import (
	"errors"
	"strings"
	"testing"

	"github.com/alisitki/quantlab/models"
	"github.com/alisitki/quantlab/reader"
)

const recv int64 = 1_700_000_000_000

func normalize(t *testing.T, frame string) []models.Event {
	t.Helper()
	events, err := New("").Normalize([]byte(frame), recv)
	if err != nil {
		t.Fatalf("Normalize(%s) failed: %v", frame, err)
	}
	return events
}

func TestBuildStreams(t *testing.T) {
	got := BuildStreams([]string{"BTCUSDT", " ethusdt ", ""})
	want := []string{
		"btcusdt@bookTicker", "btcusdt@aggTrade", "btcusdt@markPrice@1s",
		"ethusdt@bookTicker", "ethusdt@aggTrade", "ethusdt@markPrice@1s",
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected streams: %v", got)
	}
}

func TestSubscriptionURL(t *testing.T) {
	sub, err := New("wss://fstream.binance.com/stream").Subscription([]string{"BTCUSDT"})
	if err != nil {
		t.Fatalf("Subscription failed: %v", err)
	}
	want := "wss://fstream.binance.com/stream?streams=btcusdt@bookTicker/btcusdt@aggTrade/btcusdt@markPrice@1s"
	if sub.URL != want {
		t.Fatalf("unexpected url:\n got %s\nwant %s", sub.URL, want)
	}
	if len(sub.Streams) != 3 || len(sub.Request) != 0 {
		t.Fatalf("unexpected subscription: %+v", sub)
	}

	if _, err := New("").Subscription(nil); err == nil {
		t.Fatal("expected error for empty symbol list")
	}
}

func TestNormalizeBookTicker(t *testing.T) {
	events := normalize(t, `{"stream":"btcusdt@bookTicker","data":{"b":"100.1","B":"2","a":"100.2","A":"3","T":123}}`)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	bbo, ok := events[0].(models.BBOEvent)
	if !ok {
		t.Fatalf("expected BBOEvent, got %T", events[0])
	}
	if bbo.Symbol != "BTCUSDT" || bbo.Exchange != "binance" || bbo.Stream != models.StreamBBO {
		t.Errorf("unexpected header: %+v", bbo.Header)
	}
	if bbo.BidPrice != 100.1 || bbo.BidQty != 2 || bbo.AskPrice != 100.2 || bbo.AskQty != 3 {
		t.Errorf("unexpected prices: %+v", bbo)
	}
	if bbo.TsEvent != 123 || bbo.TsRecv != recv {
		t.Errorf("unexpected timestamps: event=%d recv=%d", bbo.TsEvent, bbo.TsRecv)
	}
}

func TestNormalizeBookTickerFallsBackToReceiveTime(t *testing.T) {
	events := normalize(t, `{"stream":"btcusdt@bookTicker","data":{"b":"1","B":"1","a":"2","A":"1"}}`)
	if got := events[0].Meta().TsEvent; got != recv {
		t.Fatalf("expected ts_event %d, got %d", recv, got)
	}
}

func TestNormalizeAggTradeSide(t *testing.T) {
	cases := []struct {
		name string
		m    string
		want models.Side
	}{
		{"maker", `,"m":true`, models.SideSell},
		{"taker", `,"m":false`, models.SideBuy},
		{"absent", ``, models.SideBuy},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			frame := `{"stream":"ethusdt@aggTrade","data":{"a":26129,"p":"3000.5","q":"0.25","T":555` + c.m + `}}`
			trade, ok := normalize(t, frame)[0].(models.TradeEvent)
			if !ok {
				t.Fatal("expected TradeEvent")
			}
			if trade.Side != c.want {
				t.Errorf("expected side %d, got %d", c.want, trade.Side)
			}
			if trade.TradeID != "26129" || trade.Price != 3000.5 || trade.Qty != 0.25 || trade.TsEvent != 555 {
				t.Errorf("unexpected trade: %+v", trade)
			}
		})
	}
}

func TestNormalizeMarkPriceWithFunding(t *testing.T) {
	events := normalize(t, `{"stream":"ethusdt@markPrice","data":{"p":"3000.5","r":"0.0001","T":456,"E":789}}`)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	mark, ok := events[0].(models.MarkPriceEvent)
	if !ok {
		t.Fatalf("expected MarkPriceEvent first, got %T", events[0])
	}
	funding, ok := events[1].(models.FundingEvent)
	if !ok {
		t.Fatalf("expected FundingEvent second, got %T", events[1])
	}
	if mark.MarkPrice != 3000.5 || mark.TsEvent != 789 || mark.IndexPrice != nil {
		t.Errorf("unexpected mark price: %+v", mark)
	}
	if funding.FundingRate != 0.0001 || funding.NextFundingTs != 456 || funding.TsEvent != 789 {
		t.Errorf("unexpected funding: %+v", funding)
	}
	if mark.Symbol != "ETHUSDT" || funding.Symbol != "ETHUSDT" {
		t.Errorf("unexpected symbols: %s %s", mark.Symbol, funding.Symbol)
	}
}

func TestNormalizeMarkPriceWithoutFunding(t *testing.T) {
	for _, data := range []string{
		`{"p":"3000.5","E":789}`,
		`{"p":"3000.5","r":"0","E":789}`,
		`{"p":"3000.5","r":"0.00000000","E":789}`,
		`{"p":"3000.5","r":"","E":789}`,
	} {
		events := normalize(t, `{"stream":"ethusdt@markPrice@1s","data":`+data+`}`)
		if len(events) != 1 {
			t.Fatalf("%s: expected only mark price, got %d events", data, len(events))
		}
		if events[0].Kind() != models.StreamMarkPrice {
			t.Fatalf("%s: unexpected kind %s", data, events[0].Kind())
		}
	}
}

func TestNormalizeMarkPriceIndexPrice(t *testing.T) {
	mark := normalize(t, `{"stream":"btcusdt@markPrice@1s","data":{"p":"100","i":"99.5"}}`)[0].(models.MarkPriceEvent)
	if mark.IndexPrice == nil || *mark.IndexPrice != 99.5 {
		t.Fatalf("expected index price 99.5, got %v", mark.IndexPrice)
	}
	if mark.TsEvent != recv {
		t.Fatalf("expected receive-time fallback, got %d", mark.TsEvent)
	}

	mark = normalize(t, `{"stream":"btcusdt@markPrice@1s","data":{"p":"100","i":"0.00000000"}}`)[0].(models.MarkPriceEvent)
	if mark.IndexPrice != nil {
		t.Fatalf("expected nil index price for zero, got %v", *mark.IndexPrice)
	}
}

func TestNormalizeAcceptsNumbersInEitherJSONType(t *testing.T) {
	bbo := normalize(t, `{"stream":"btcusdt@bookTicker","data":{"b":100.1,"B":2,"a":100.2,"A":3,"T":123}}`)[0].(models.BBOEvent)
	if bbo.BidPrice != 100.1 || bbo.BidQty != 2 || bbo.AskPrice != 100.2 || bbo.AskQty != 3 || bbo.TsEvent != 123 {
		t.Errorf("unexpected bbo from numeric fields: %+v", bbo)
	}

	trade := normalize(t, `{"stream":"btcusdt@aggTrade","data":{"a":"77","p":100,"q":"0.5","T":"555","m":true}}`)[0].(models.TradeEvent)
	if trade.TradeID != "77" || trade.Price != 100 || trade.Qty != 0.5 || trade.TsEvent != 555 || trade.Side != models.SideSell {
		t.Errorf("unexpected trade from mixed fields: %+v", trade)
	}

	events := normalize(t, `{"stream":"ethusdt@markPrice","data":{"p":3000.5,"i":2999,"r":0.0001,"T":"456","E":"789"}}`)
	if len(events) != 2 {
		t.Fatalf("expected mark price and funding, got %d events", len(events))
	}
	mark := events[0].(models.MarkPriceEvent)
	if mark.MarkPrice != 3000.5 || mark.IndexPrice == nil || *mark.IndexPrice != 2999 || mark.TsEvent != 789 {
		t.Errorf("unexpected mark price: %+v", mark)
	}
	funding := events[1].(models.FundingEvent)
	if funding.FundingRate != 0.0001 || funding.NextFundingTs != 456 || funding.TsEvent != 789 {
		t.Errorf("unexpected funding: %+v", funding)
	}
}

func TestNormalizeKeepsPresentZeroTimestamp(t *testing.T) {
	bbo := normalize(t, `{"stream":"btcusdt@bookTicker","data":{"b":"1","B":"1","a":"2","A":"1","T":0}}`)[0]
	if got := bbo.Meta().TsEvent; got != 0 {
		t.Fatalf("present T=0 should be kept, got %d", got)
	}

	mark := normalize(t, `{"stream":"btcusdt@markPrice","data":{"p":"1","E":null}}`)[0]
	if got := mark.Meta().TsEvent; got != recv {
		t.Fatalf("null E should fall back to receive time, got %d", got)
	}
}

func TestNormalizeRejects(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		want  error
	}{
		{"not json", `not json`, reader.ErrDecode},
		{"no envelope", `{"foo":"bar"}`, reader.ErrDecode},
		{"null data", `{"stream":"btcusdt@bookTicker","data":null}`, reader.ErrDecode},
		{"data not object", `{"stream":"btcusdt@bookTicker","data":[1,2]}`, reader.ErrDecode},
		{"unknown stream", `{"stream":"btcusdt@depth","data":{"b":"1"}}`, reader.ErrUnknownStream},
		{"missing bid", `{"stream":"btcusdt@bookTicker","data":{"B":"2","a":"100.2","A":"3"}}`, reader.ErrValidation},
		{"non numeric", `{"stream":"btcusdt@bookTicker","data":{"b":"abc","B":"2","a":"100.2","A":"3"}}`, reader.ErrValidation},
		{"negative qty", `{"stream":"btcusdt@bookTicker","data":{"b":"1","B":"-2","a":"100.2","A":"3"}}`, reader.ErrValidation},
		{"nan", `{"stream":"btcusdt@bookTicker","data":{"b":"NaN","B":"2","a":"100.2","A":"3"}}`, reader.ErrValidation},
		{"trade without id", `{"stream":"btcusdt@aggTrade","data":{"p":"1","q":"1"}}`, reader.ErrValidation},
		{"trade zero price", `{"stream":"btcusdt@aggTrade","data":{"a":1,"p":"0","q":"1"}}`, reader.ErrValidation},
		{"trade bad maker", `{"stream":"btcusdt@aggTrade","data":{"a":1,"p":"1","q":"1","m":"yes"}}`, reader.ErrValidation},
		{"trade empty id", `{"stream":"btcusdt@aggTrade","data":{"a":"","p":"1","q":"1"}}`, reader.ErrValidation},
		{"bool price", `{"stream":"btcusdt@bookTicker","data":{"b":true,"B":"2","a":"100.2","A":"3"}}`, reader.ErrValidation},
		{"object qty", `{"stream":"btcusdt@bookTicker","data":{"b":"1","B":{},"a":"100.2","A":"3"}}`, reader.ErrValidation},
		{"bad event time", `{"stream":"btcusdt@bookTicker","data":{"b":"1","B":"2","a":"100.2","A":"3","T":"soon"}}`, reader.ErrValidation},
		{"mark bad next funding", `{"stream":"btcusdt@markPrice","data":{"p":"1","r":"0.0001","T":"later"}}`, reader.ErrValidation},
		{"mark bad funding", `{"stream":"btcusdt@markPrice","data":{"p":"1","r":"x"}}`, reader.ErrValidation},
		{"mark bad index", `{"stream":"btcusdt@markPrice","data":{"p":"1","i":"x"}}`, reader.ErrValidation},
		{"mark missing price", `{"stream":"btcusdt@markPrice","data":{"r":"0.0001"}}`, reader.ErrValidation},
	}

	h := New("")
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			events, err := h.Normalize([]byte(c.frame), recv)
			if !errors.Is(err, c.want) {
				t.Fatalf("expected %v, got %v", c.want, err)
			}
			if len(events) != 0 {
				t.Fatalf("expected no events, got %d", len(events))
			}
		})
	}
}

func TestNormalizeClassificationOrder(t *testing.T) {
	// A stream name matching several kinds resolves to the first in
	// bookTicker, aggTrade, markPrice order.
	events := normalize(t, `{"stream":"btcusdt@bookTicker_markPrice","data":{"b":"1","B":"1","a":"2","A":"1"}}`)
	if events[0].Kind() != models.StreamBBO {
		t.Fatalf("expected bbo, got %s", events[0].Kind())
	}
}
