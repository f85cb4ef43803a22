package stdio

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ggoodman/publisher-gateway/gateway"
	"github.com/ggoodman/publisher-gateway/internal/jsonrpc"
	"github.com/ggoodman/publisher-gateway/internal/logctx"
)

const defaultMaxLineBytes = 4 << 20

// Handler is a single-connection stdio transport that reads JSON-RPC
// envelopes from an io.Reader and writes envelopes to an io.Writer. By
// default, it uses os.Stdin and os.Stdout and identifies the peer as the
// current OS user.
type Handler struct {
	gw      *gateway.Gateway
	r       io.Reader
	w       io.Writer
	l       *slog.Logger
	user    UserFunc
	maxLine int

	wmu sync.Mutex
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(gw *gateway.Gateway, opts ...Option) *Handler {
	h := &Handler{
		gw:      gw,
		r:       os.Stdin,
		w:       os.Stdout,
		l:       slog.Default(),
		user:    OSUser,
		maxLine: defaultMaxLineBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// writeLine writes one envelope and its terminating newline atomically with
// respect to other writers.
func (h *Handler) writeLine(msg []byte) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	buf := make([]byte, 0, len(msg)+1)
	buf = append(buf, msg...)
	buf = append(buf, '\n')
	_, err := h.w.Write(buf)
	return err
}

// Serve runs the read loop until end of input, the connection is closed by
// the server, or ctx is done. It is safe to call at most once per Handler.
// End of input is a clean shutdown and returns nil.
func (h *Handler) Serve(ctx context.Context) error {
	userID, err := h.user()
	if err != nil {
		return fmt.Errorf("stdio: resolve user: %w", err)
	}

	sink := gateway.SinkFunc(func(_ context.Context, msg jsonrpc.Message) error {
		return h.writeLine(msg)
	})
	conn, err := h.gw.Open(sink, userID)
	if err != nil {
		return fmt.Errorf("stdio: open connection: %w", err)
	}
	defer h.gw.Close(conn.ID())
	ctx = logctx.WithConnectionData(ctx, &logctx.ConnectionData{ConnectionID: conn.ID(), UserID: userID, Transport: "stdio"})
	h.l.InfoContext(ctx, "stdio.open")

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		defer close(lines)
		sc := bufio.NewScanner(h.r)
		sc.Buffer(make([]byte, 0, 64<<10), h.maxLine)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- bytes.Clone(line):
			case <-stop:
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			h.l.InfoContext(ctx, "stdio.close.cancel")
			return ctx.Err()
		case <-conn.Done():
			h.l.InfoContext(ctx, "stdio.close.server")
			return nil
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					h.l.ErrorContext(ctx, "stdio.read.fail", slog.String("err", err.Error()))
					return fmt.Errorf("stdio: read: %w", err)
				}
				h.l.InfoContext(ctx, "stdio.close.eof")
				return nil
			}
			ack := h.gw.Accept(ctx, conn.ID(), line)
			if ack.Status != gateway.StatusRejected {
				continue
			}
			if err := h.writeLine(jsonrpc.Encode(ack.ParseError.Envelope())); err != nil {
				h.l.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
				return fmt.Errorf("stdio: write: %w", err)
			}
		}
	}
}
