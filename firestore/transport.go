package firestore

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
)

// Transfer is one HTTP exchange. The pool fills the request half and hands
// the object to the transport; the transport fills the response half and
// delivers the same pointer on its done channel, exactly once. Between
// RoundTrip and that delivery the transport is the sole owner: the pool
// never touches an in-flight Transfer.
type Transfer struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// response half, filled by the transport
	Status int
	Recv   bytes.Buffer
	Err    error

	// bytes of Body already pulled by the request writer
	sendOffset int
}

// Read streams the request body out in bounded chunks, advancing the send
// offset. A Transfer is its own body reader so a recycled object restarts
// from offset zero without reallocating.
func (self *Transfer) Read(p []byte) (int, error) {
	if self.sendOffset >= len(self.Body) {
		return 0, io.EOF
	}
	n := copy(p, self.Body[self.sendOffset:])
	self.sendOffset += n
	return n, nil
}

// reset the mutable halves before reuse
func (self *Transfer) reset() {
	self.Status = 0
	self.Recv.Reset()
	self.Err = nil
	self.sendOffset = 0
}

// Transport runs HTTP exchanges in the background. RoundTrip must not
// block: it starts the exchange and returns, and the finished Transfer is
// delivered on done later. When ctx is canceled first the delivery is
// abandoned, not the exchange result forced through; a transport must
// never send after ctx is done and never send the same Transfer twice.
type Transport interface {
	RoundTrip(ctx context.Context, t *Transfer, done chan<- *Transfer)
}

type httpTransport struct {
	client *http.Client
}

func newHTTPTransport(settings *SessionSettings) *httpTransport {
	dialer := &net.Dialer{
		Timeout: settings.ConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.TLSTimeout,
	}
	if settings.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}
	return &httpTransport{
		client: &http.Client{
			Transport: transport,
			Timeout:   settings.HTTPTimeout,
		},
	}
}

func (self *httpTransport) RoundTrip(ctx context.Context, t *Transfer, done chan<- *Transfer) {
	go func() {
		t.Err = self.exchange(ctx, t)
		select {
		case done <- t:
		case <-ctx.Done():
		}
	}()
}

func (self *httpTransport) exchange(ctx context.Context, t *Transfer) error {
	var body io.Reader
	if len(t.Body) > 0 {
		body = t
	}
	req, err := http.NewRequestWithContext(ctx, t.Method, t.URL, body)
	if err != nil {
		return err
	}
	req.Header = t.Header
	req.ContentLength = int64(len(t.Body))

	resp, err := self.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	t.Status = resp.StatusCode

	// accumulate without a size cap; responses are JSON documents
	chunk := make([]byte, 16*1024)
	for {
		n, err := resp.Body.Read(chunk)
		if 0 < n {
			t.Recv.Write(chunk[0:n])
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
