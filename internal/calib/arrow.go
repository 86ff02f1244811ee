package calib

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-bodkin/internal/logger"
)

// IDColumn is the column calibration records must carry: a
// FixedSizeList<int32> of token ids, one sequence per row.
const IDColumn = "input_ids"

// recordSequences pulls the token id sequences out of one Arrow record.
func recordSequences(rec arrow.Record) ([][]int32, error) {
	idx := rec.Schema().FieldIndices(IDColumn)
	if len(idx) == 0 {
		return nil, fmt.Errorf("record has no %q column", IDColumn)
	}
	col, ok := rec.Column(idx[0]).(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("column %q is %s, want fixed_size_list<int32>",
			IDColumn, rec.Column(idx[0]).DataType())
	}
	vals, ok := col.ListValues().(*array.Int32)
	if !ok {
		return nil, fmt.Errorf("column %q values are %s, want int32",
			IDColumn, col.ListValues().DataType())
	}
	width := int(col.DataType().(*arrow.FixedSizeListType).Len())

	out := make([][]int32, 0, col.Len())
	for i := 0; i < col.Len(); i++ {
		if col.IsNull(i) {
			continue
		}
		seq := make([]int32, width)
		copy(seq, vals.Int32Values()[i*width:(i+1)*width])
		out = append(out, seq)
	}
	return out, nil
}

// IPCStreamSource reads calibration sequences from an Arrow IPC stream.
type IPCStreamSource struct {
	rdr    *ipc.Reader
	closer io.Closer
}

// OpenIPCFile opens an Arrow IPC stream file of calibration records.
func OpenIPCFile(path string) (*IPCStreamSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open calibration file: %w", err)
	}
	src, err := NewIPCStreamSource(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	src.closer = f
	return src, nil
}

func NewIPCStreamSource(r io.Reader) (*IPCStreamSource, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, fmt.Errorf("read calibration stream: %w", err)
	}
	return &IPCStreamSource{rdr: rdr}, nil
}

func (s *IPCStreamSource) Next(ctx context.Context) ([][]int32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.rdr.Next() {
		if err := s.rdr.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return recordSequences(s.rdr.Record())
}

func (s *IPCStreamSource) Close() error {
	s.rdr.Release()
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// FlightSource streams calibration records from an Arrow Flight server.
type FlightSource struct {
	client flight.Client
	rdr    *flight.Reader
	path   string
}

// DialFlight connects to addr and requests the dataset registered under
// path.
func DialFlight(addr, path string) (*FlightSource, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial flight server: %w", err)
	}
	return &FlightSource{client: client, path: path}, nil
}

func (s *FlightSource) open(ctx context.Context) error {
	info, err := s.client.GetFlightInfo(ctx, &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{s.path},
	})
	if err != nil {
		return fmt.Errorf("flight info for %q: %w", s.path, err)
	}
	if len(info.Endpoint) == 0 {
		return fmt.Errorf("flight dataset %q has no endpoints", s.path)
	}
	stream, err := s.client.DoGet(ctx, info.Endpoint[0].Ticket)
	if err != nil {
		return fmt.Errorf("flight get %q: %w", s.path, err)
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return fmt.Errorf("flight stream %q: %w", s.path, err)
	}
	s.rdr = rdr
	logger.Log.Info("streaming calibration data", "path", s.path)
	return nil
}

func (s *FlightSource) Next(ctx context.Context) ([][]int32, error) {
	if s.rdr == nil {
		if err := s.open(ctx); err != nil {
			return nil, err
		}
	}
	if !s.rdr.Next() {
		if err := s.rdr.Err(); err != nil && err != io.EOF {
			return nil, err
		}
		return nil, io.EOF
	}
	return recordSequences(s.rdr.Record())
}

func (s *FlightSource) Close() error {
	if s.rdr != nil {
		s.rdr.Release()
	}
	return s.client.Close()
}

// WriteIPCStream writes sequences as one calibration record, the format
// OpenIPCFile reads back. All sequences must share one length.
func WriteIPCStream(w io.Writer, seqs [][]int32) error {
	if len(seqs) == 0 {
		return fmt.Errorf("no sequences to write")
	}
	width := len(seqs[0])
	for i, s := range seqs {
		if len(s) != width {
			return fmt.Errorf("sequence %d has length %d, want %d", i, len(s), width)
		}
	}

	mem := memory.DefaultAllocator
	schema := arrow.NewSchema([]arrow.Field{
		{Name: IDColumn, Type: arrow.FixedSizeListOf(int32(width), arrow.PrimitiveTypes.Int32)},
	}, nil)

	lb := array.NewFixedSizeListBuilder(mem, int32(width), arrow.PrimitiveTypes.Int32)
	defer lb.Release()
	vb := lb.ValueBuilder().(*array.Int32Builder)
	for _, s := range seqs {
		lb.Append(true)
		vb.AppendValues(s, nil)
	}
	col := lb.NewArray()
	defer col.Release()

	rec := array.NewRecord(schema, []arrow.Array{col}, int64(len(seqs)))
	defer rec.Release()

	fw := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err := fw.Write(rec); err != nil {
		fw.Close()
		return fmt.Errorf("write calibration record: %w", err)
	}
	return fw.Close()
}
