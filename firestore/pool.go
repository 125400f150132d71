package firestore

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/tidwall/gjson"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// behavior flags of one transaction
const (
	flagDelete = 1 << iota
	flagTrace
	flagConnect
	flagGet
	flagPatch
)

// decodeKind selects how dispatch unwraps a response before the callback
// runs. Each operation tags its transaction with one of these instead of
// carrying an unwrap closure around.
type decodeKind int

const (
	decodeRaw decodeKind = iota
	decodeRead
	decodeAdd
	decodeInc
	decodeQuery
	decodeAuth
)

// a pooled transaction record; every mutable field is reset on submit
type transaction struct {
	Transfer

	slot int
	gen  uint64

	id       uint64
	label    string
	flags    int
	decode   decodeKind
	callback Callback
	result   Result
}

// completion is the generation-checked handle a finished transfer comes
// back under. slot and gen are captured by value at submit time, so a
// completion can be validated against the arena even after the slot has
// been recycled for a newer transaction.
type completion struct {
	slot     int
	gen      uint64
	transfer *Transfer
}

// requestPool owns every transaction and drives completion delivery. It is
// confined to the goroutine that calls submit and poll; the transport only
// touches a transaction between RoundTrip and its completion send, never
// concurrently with the pool. A slot is either on the free list, in
// flight, or abandoned by teardown — never two of those at once.
type requestPool struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport Transport
	log       Logger

	// arena of every transaction ever allocated, reused through free
	slots    []*transaction
	free     []int
	inFlight map[int]*transaction

	completions chan completion

	nextID uint64

	// header sets shared by reference with pending submits; setToken
	// rebuilds commonHeader instead of mutating it, and every submit
	// clones, so in-flight transfers keep the headers they started with
	commonHeader http.Header
	loginHeader  http.Header

	traceAll bool
}

func newRequestPool(ctx context.Context, transport Transport, settings *SessionSettings) *requestPool {
	cancelCtx, cancel := context.WithCancel(ctx)
	pool := &requestPool{
		ctx:         cancelCtx,
		cancel:      cancel,
		transport:   transport,
		log:         settings.logger(),
		inFlight:    map[int]*transaction{},
		completions: make(chan completion, settings.CompletionBuffer),
		loginHeader: http.Header{},
		traceAll:    settings.TraceTransfers,
	}
	pool.loginHeader.Set("Content-Type", "application/json")
	pool.setToken("")
	return pool
}

// setToken rebuilds the common header set with the given bearer token.
func (self *requestPool) setToken(token string) {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	self.commonHeader = header
}

// take a slot from the free list, or grow the arena by one
func (self *requestPool) acquire() *transaction {
	if n := len(self.free); 0 < n {
		slot := self.free[n-1]
		self.free = self.free[:n-1]
		t := self.slots[slot]
		t.gen += 1
		return t
	}
	t := &transaction{
		slot: len(self.slots),
		gen:  1,
	}
	self.slots = append(self.slots, t)
	self.log.Logf(LevelTrace, "[%d] new transaction slot", t.slot)
	return t
}

// submit serializes body, fills a pooled transaction and hands it to the
// transport. Returns the transaction id, or 0 when the body cannot be
// encoded.
func (self *requestPool) submit(url string, body any, callback Callback, label string, flags int, decode decodeKind) uint64 {
	if self.traceAll {
		flags |= flagTrace
	}

	var sent []byte
	if body != nil {
		var err error
		if flags&flagTrace != 0 {
			sent, err = json.MarshalIndent(body, "", "  ")
		} else {
			sent, err = json.Marshal(body)
		}
		if err != nil {
			self.log.Logf(LevelError, "%s: cannot encode request body: %v", label, err)
			return 0
		}
	}

	t := self.acquire()

	self.nextID += 1
	t.id = self.nextID
	t.label = label
	t.flags = flags
	t.decode = decode
	t.callback = callback
	t.result = Result{ID: t.id}

	header := self.commonHeader
	if flags&flagConnect != 0 {
		header = self.loginHeader
	}

	t.Method = methodForFlags(flags, 0 < len(sent))
	t.URL = url
	t.Header = header.Clone()
	t.Body = sent
	t.reset()

	self.inFlight[t.slot] = t

	if flags&flagTrace != 0 {
		self.log.Logf(LevelLog, "URL: %s %s", t.Method, t.URL)
		if 0 < len(t.Body) {
			self.log.Logf(LevelLog, "BODY: %s", string(t.Body))
		}
	}
	self.log.Logf(LevelTrace, "[%d] transaction #%d (%s) added", t.slot, t.id, t.label)

	done := make(chan *Transfer, 1)
	self.transport.RoundTrip(self.ctx, &t.Transfer, done)
	go self.forward(t.slot, t.gen, done)

	return t.id
}

// forward relays one finished transfer to the completions channel, stamped
// with the slot and generation captured at submit time. Abandons silently
// once the pool context is gone.
func (self *requestPool) forward(slot int, gen uint64, done <-chan *Transfer) {
	select {
	case t := <-done:
		select {
		case self.completions <- completion{slot: slot, gen: gen, transfer: t}:
		case <-self.ctx.Done():
		}
	case <-self.ctx.Done():
	}
}

func methodForFlags(flags int, hasBody bool) string {
	switch {
	case flags&flagDelete != 0:
		return http.MethodDelete
	case flags&flagPatch != 0:
		return http.MethodPatch
	case flags&flagGet != 0:
		return http.MethodGet
	case hasBody:
		return http.MethodPost
	}
	return http.MethodGet
}

// poll performs one non-blocking progress step: it collects the transfers
// finished so far, then dispatches their callbacks. The snapshot comes
// first so that work submitted from inside a callback is observed by a
// later poll, never by the one running the callback. Reports whether any
// callback was dispatched.
func (self *requestPool) poll() bool {
	var done []completion
collect:
	for {
		select {
		case c := <-self.completions:
			done = append(done, c)
		default:
			break collect
		}
	}

	workDone := false
	for _, c := range done {
		if self.dispatch(c) {
			workDone = true
		}
	}
	return workDone
}

// dispatch validates the completion handle, decodes the response and runs
// the callback, then returns the transaction to the free list.
func (self *requestPool) dispatch(c completion) bool {
	txn, ok := self.inFlight[c.slot]
	if !ok || txn.gen != c.gen || &txn.Transfer != c.transfer {
		// a duplicate delivery, or a transaction torn down earlier
		self.log.Logf(LevelTrace, "[%d] stale completion dropped", c.slot)
		return false
	}
	delete(self.inFlight, c.slot)

	self.log.Logf(LevelTrace, "[%d] transaction #%d (%s) completes", txn.slot, txn.id, txn.label)

	raw := txn.Recv.Bytes()
	txn.result.Raw = txn.Recv.String()

	// empty bodies, unparseable bodies and error envelopes (top level or
	// first array element) all count as failures; the parsed envelope is
	// kept in Value for the decoders that inspect it
	errorDetected := txn.Err != nil || len(raw) == 0
	if !errorDetected {
		if json.Unmarshal(raw, &txn.result.Value) != nil {
			txn.result.Value = nil
			errorDetected = true
		} else {
			probe := gjson.ParseBytes(raw)
			errorDetected = probe.Get("error").Exists() || probe.Get("0.error").Exists()
		}
	}
	if errorDetected {
		txn.result.Err = -1
		self.log.Logf(LevelError, "%s(%s,%s) err: %s", txn.label, txn.URL, string(txn.Body), txn.result.Raw)
	} else {
		txn.result.Err = 0
		self.log.Logf(LevelTrace, "%s", txn.result.Raw)
	}

	decodeResult(&txn.result, txn.decode)

	if txn.callback != nil {
		self.call(txn)
	}

	self.release(txn)
	return true
}

// run the callback, containing any panic it raises
func (self *requestPool) call(txn *transaction) {
	defer func() {
		if r := recover(); r != nil {
			self.log.Logf(LevelError, "%s callback panic: %v", txn.label, r)
		}
	}()
	txn.callback(&txn.result)
}

// release returns a dispatched transaction to the free list. Its slot may
// be handed out again by the very next submit.
func (self *requestPool) release(txn *transaction) {
	txn.callback = nil
	txn.Body = nil
	txn.result = Result{}
	txn.Recv.Reset()
	self.free = append(self.free, txn.slot)
	self.log.Logf(LevelTrace, "[%d] returns to the pool (%d free)", txn.slot, len(self.free))
}

func (self *requestPool) pending() bool {
	return 0 < len(self.inFlight)
}

// teardown abandons every in-flight transaction: their callbacks never
// run, their slots are never reused, and the canceled context stops the
// transport goroutines and drops any completion still undelivered.
func (self *requestPool) teardown() {
	slots := maps.Keys(self.inFlight)
	slices.Sort(slots)
	for _, slot := range slots {
		txn := self.inFlight[slot]
		self.log.Logf(LevelTrace, "[%d] transaction #%d (%s) abandoned", slot, txn.id, txn.label)
		delete(self.inFlight, slot)
	}
	self.cancel()
}

// dump logs every in-flight transaction, oldest first.
func (self *requestPool) dump() {
	txns := maps.Values(self.inFlight)
	slices.SortFunc(txns, func(a *transaction, b *transaction) int {
		if a.id < b.id {
			return -1
		}
		if b.id < a.id {
			return 1
		}
		return 0
	})
	self.log.Logf(LevelLog, "%d transactions in flight, %d slots free", len(txns), len(self.free))
	for _, txn := range txns {
		self.log.Logf(LevelLog, "[%d] #%d %s %s %s", txn.slot, txn.id, txn.label, txn.Method, txn.URL)
	}
}
