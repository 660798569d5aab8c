package transfer

import (
	"context"
	"io"

	"github.com/giovanniandreuzza/nimbus/internal/telemetry"
)

// InstrumentedTransport wraps a Transport with telemetry.
type InstrumentedTransport struct {
	transport Transport
	telemetry *telemetry.Telemetry
	name      string
}

// NewInstrumentedTransport creates a new instrumented transport.
func NewInstrumentedTransport(transport Transport, tel *telemetry.Telemetry, name string) *InstrumentedTransport {
	return &InstrumentedTransport{
		transport: transport,
		telemetry: tel,
		name:      name,
	}
}

// Size queries the remote size with telemetry.
func (t *InstrumentedTransport) Size(ctx context.Context, url string) (int64, error) {
	var result int64

	var err error

	instrumentedErr := t.telemetry.InstrumentClientOperation(ctx, t.name, "size", func(ctx context.Context) error {
		result, err = t.transport.Size(ctx, url)

		return err
	})

	if instrumentedErr != nil {
		return 0, instrumentedErr
	}

	return result, nil
}

// OpenStream opens a byte stream with telemetry. Only opening is measured;
// reading the body happens in the scheduler.
func (t *InstrumentedTransport) OpenStream(ctx context.Context, url string, offset int64) (io.ReadCloser, error) {
	var result io.ReadCloser

	var err error

	instrumentedErr := t.telemetry.InstrumentClientOperation(ctx, t.name, "open_stream", func(ctx context.Context) error {
		result, err = t.transport.OpenStream(ctx, url, offset)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
