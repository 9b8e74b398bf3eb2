// Package flightstore fetches named tensor sets from a remote weight
// store over Arrow Flight. The wire schema is the same one the artifact
// bundle uses on disk, so a store can serve either raw checkpoints or
// pre-sliced shards.
package flightstore

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/loomworks/loom/internal/artifact"
	"github.com/loomworks/loom/internal/device"
	"github.com/loomworks/loom/internal/logger"
)

// Fetcher is the surface the checkpoint loader consumes; tests use an
// in-memory implementation.
type Fetcher interface {
	FetchTensors(ctx context.Context, name string) (map[string]*device.Tensor, error)
	Close() error
}

// Client is the gRPC-backed Fetcher.
type Client struct {
	fc      flight.Client
	addr    string
	timeout time.Duration
}

// Dial connects to a Flight weight store.
func Dial(addr string) (*Client, error) {
	fc, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial flight store %s: %w", addr, err)
	}
	return &Client{fc: fc, addr: addr, timeout: 30 * time.Second}, nil
}

func (c *Client) Close() error {
	if c.fc != nil {
		return c.fc.Close()
	}
	return nil
}

// FetchTensors streams the tensor set registered under name. The ticket
// is the bare name; record batches follow artifact.TensorSchema.
func (c *Client) FetchTensors(ctx context.Context, name string) (map[string]*device.Tensor, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := c.fc.DoGet(ctx, &flight.Ticket{Ticket: []byte(name)})
	if err != nil {
		return nil, fmt.Errorf("flight DoGet %s from %s: %w", name, c.addr, err)
	}

	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("flight record stream %s: %w", name, err)
	}
	defer rdr.Release()

	out := make(map[string]*device.Tensor)
	for rdr.Next() {
		rec := rdr.Record()
		if err := artifact.DecodeRecord(rec, out); err != nil {
			return nil, fmt.Errorf("flight tensor decode %s: %w", name, err)
		}
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("flight stream %s: %w", name, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("flight store %s has no tensors under %s", c.addr, name)
	}

	logger.Log.Debug("flight fetch complete", "name", name, "tensors", len(out))
	return out, nil
}
