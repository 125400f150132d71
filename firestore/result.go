package firestore

import (
	"encoding/json"
	"fmt"
)

// Error codes carried in Result.Err. Zero means success. Negative values
// are local failures: transport errors, empty or unparseable responses,
// and remote error envelopes. Positive values are store codes.
const (
	// the document addressed by a read does not exist
	ErrDocMissing = 1
	// sign-in was rejected because the email is not registered; auth
	// failures surface the remote error code directly
	ErrAuthEmailNotFound = 400
)

// DocIDKey is the reserved field injected into every document returned by
// a query, carrying the document id recovered from its resource name.
const DocIDKey = "_doc_id"

// Callback receives the outcome of one transaction. It runs synchronously
// inside Session.Poll, on the goroutine calling Poll. The Result is only
// valid for the duration of the call; the transaction owning it is
// recycled afterward, so copy out anything that must survive. Submitting
// new operations from inside a callback is allowed.
type Callback func(result *Result)

// Result is the decoded outcome of one transaction.
type Result struct {
	// 0 on success, see the error code constants
	Err int
	// raw response text, kept for diagnostics even on failure
	Raw string
	// the decoded value; meaningful when Err == 0, and an empty document
	// for ErrDocMissing. Protocol errors keep the parsed error envelope
	// here when the response was valid JSON.
	Value any
	// id assigned by the store, filled by Add on success
	AddedID string

	// unique id of the transaction that produced this result
	ID uint64
}

// Decode unmarshals the result value into out through a JSON round-trip,
// so any struct with json tags works as a target.
func (self *Result) Decode(out any) error {
	if self.Err != 0 {
		return fmt.Errorf("cannot decode a failed result (err %d)", self.Err)
	}
	b, err := json.Marshal(self.Value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
