package weights

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-quiver/internal/logger"
)

// FlightSource fetches weights from an Arrow Flight endpoint. Each weight is
// a flight identified by its name as a path descriptor; DoGet streams
// records with a single binary "data" column holding the raw tensor bytes.
type FlightSource struct {
	client flight.Client
	addr   string
}

func NewFlightSource(addr string) (*FlightSource, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("flight source %s: %w", addr, err)
	}
	logger.Log.Info("connected to weight server", "addr", addr)
	return &FlightSource{client: client, addr: addr}, nil
}

func (s *FlightSource) Fetch(ctx context.Context, name string) ([]byte, error) {
	stream, err := s.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(name)})
	if err != nil {
		return nil, fmt.Errorf("flight fetch %s: %w", name, err)
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("flight fetch %s: %w", name, err)
	}
	defer rdr.Release()

	var out []byte
	for rdr.Next() {
		rec := rdr.Record()
		idx := rec.Schema().FieldIndices("data")
		if len(idx) == 0 {
			return nil, fmt.Errorf("flight fetch %s: stream has no data column", name)
		}
		col, ok := rec.Column(idx[0]).(*array.Binary)
		if !ok {
			return nil, fmt.Errorf("flight fetch %s: data column is %s, want binary", name, rec.Column(idx[0]).DataType())
		}
		for i := 0; i < col.Len(); i++ {
			out = append(out, col.Value(i)...)
		}
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("flight fetch %s: %w", name, err)
	}
	if out == nil {
		return nil, fmt.Errorf("flight fetch %s: empty stream", name)
	}
	return out, nil
}

// flightAbsent reports whether err is the server saying the descriptor does
// not exist. Anything else (Unavailable, DeadlineExceeded, ...) is a real
// failure: treating it as absence would silently drop optional weights.
func flightAbsent(err error) bool {
	return status.Code(err) == codes.NotFound
}

func (s *FlightSource) Exists(ctx context.Context, name string) (bool, error) {
	desc := &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{name}}
	if _, err := s.client.GetFlightInfo(ctx, desc); err != nil {
		if flightAbsent(err) {
			return false, nil
		}
		return false, fmt.Errorf("flight exists %s: %w", name, err)
	}
	return true, nil
}

func (s *FlightSource) List(ctx context.Context, prefix string) ([]string, error) {
	stream, err := s.client.ListFlights(ctx, &flight.Criteria{Expression: []byte(prefix)})
	if err != nil {
		return nil, fmt.Errorf("flight list %s: %w", prefix, err)
	}
	var names []string
	for {
		info, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("flight list %s: %w", prefix, err)
		}
		desc := info.GetFlightDescriptor()
		if desc == nil || len(desc.Path) == 0 {
			continue
		}
		name := desc.Path[len(desc.Path)-1]
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (s *FlightSource) Close() error {
	return s.client.Close()
}
