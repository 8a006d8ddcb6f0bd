package writer

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/alisitki/quantlab/models"
)

// StreamVersion is stored with every row and bumped when the row layout
// changes.
const StreamVersion = 1

// memFile is an in-memory parquet sink.
type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// eventRecord is the row layout shared by every stream. Columns that do not
// apply to a row's stream are null.
type eventRecord struct {
	TsEvent       int64    `parquet:"name=ts_event, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	TsRecv        int64    `parquet:"name=ts_recv, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Exchange      string   `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol        string   `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Stream        string   `parquet:"name=stream, type=BYTE_ARRAY, convertedtype=UTF8"`
	StreamVersion int32    `parquet:"name=stream_version, type=INT32"`
	BidPrice      *float64 `parquet:"name=bid_price, type=DOUBLE, repetitiontype=OPTIONAL"`
	BidQty        *float64 `parquet:"name=bid_qty, type=DOUBLE, repetitiontype=OPTIONAL"`
	AskPrice      *float64 `parquet:"name=ask_price, type=DOUBLE, repetitiontype=OPTIONAL"`
	AskQty        *float64 `parquet:"name=ask_qty, type=DOUBLE, repetitiontype=OPTIONAL"`
	Price         *float64 `parquet:"name=price, type=DOUBLE, repetitiontype=OPTIONAL"`
	Qty           *float64 `parquet:"name=qty, type=DOUBLE, repetitiontype=OPTIONAL"`
	Side          *int32   `parquet:"name=side, type=INT32, repetitiontype=OPTIONAL"`
	TradeID       *string  `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	MarkPrice     *float64 `parquet:"name=mark_price, type=DOUBLE, repetitiontype=OPTIONAL"`
	IndexPrice    *float64 `parquet:"name=index_price, type=DOUBLE, repetitiontype=OPTIONAL"`
	FundingRate   *float64 `parquet:"name=funding_rate, type=DOUBLE, repetitiontype=OPTIONAL"`
	NextFundingTs *int64   `parquet:"name=next_funding_ts, type=INT64, repetitiontype=OPTIONAL"`
}

func toRecord(ev models.Event) (eventRecord, error) {
	h := ev.Meta()
	rec := eventRecord{
		TsEvent:       h.TsEvent,
		TsRecv:        h.TsRecv,
		Exchange:      h.Exchange,
		Symbol:        h.Symbol,
		Stream:        string(h.Stream),
		StreamVersion: StreamVersion,
	}

	switch e := ev.(type) {
	case models.BBOEvent:
		rec.BidPrice, rec.BidQty = ptr(e.BidPrice), ptr(e.BidQty)
		rec.AskPrice, rec.AskQty = ptr(e.AskPrice), ptr(e.AskQty)
	case models.TradeEvent:
		rec.Price, rec.Qty = ptr(e.Price), ptr(e.Qty)
		rec.Side = ptr(int32(e.Side))
		rec.TradeID = ptr(e.TradeID)
	case models.MarkPriceEvent:
		rec.MarkPrice = ptr(e.MarkPrice)
		if e.IndexPrice != nil {
			rec.IndexPrice = ptr(*e.IndexPrice)
		}
	case models.FundingEvent:
		rec.FundingRate = ptr(e.FundingRate)
		rec.NextFundingTs = ptr(e.NextFundingTs)
	default:
		return eventRecord{}, fmt.Errorf("unsupported event type %T", ev)
	}
	return rec, nil
}

func ptr[T any](v T) *T { return &v }

func compressionCodec(name string) parquet.CompressionCodec {
	switch strings.ToLower(name) {
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "none", "uncompressed":
		return parquet.CompressionCodec_UNCOMPRESSED
	default:
		return parquet.CompressionCodec_SNAPPY
	}
}

// encodeParquet renders a batch as a single parquet file.
func encodeParquet(batch Batch, compression string) ([]byte, error) {
	mf := newMemFile()
	pw, err := writer.NewParquetWriter(mf, new(eventRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)

	for _, ev := range batch.Events {
		rec, err := toRecord(ev)
		if err != nil {
			return nil, err
		}
		if err := pw.Write(rec); err != nil {
			return nil, fmt.Errorf("write parquet row: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finish parquet file: %w", err)
	}
	return mf.Bytes(), nil
}
