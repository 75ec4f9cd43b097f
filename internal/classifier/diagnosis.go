// Package classifier turns log records into diagnoses against the
// signature catalogue, structurally first and semantically as a fallback.
package classifier

import (
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/neighbor/internal/signature"
	"github.com/fyrsmithlabs/neighbor/internal/source"
)

// ErrMatchAmbiguous is reported internally when two diagnoses rank equal
// on method and narrowness; the signature id decides.
var ErrMatchAmbiguous = errors.New("ambiguous match")

// Method says how a diagnosis was reached.
type Method string

const (
	MethodDeterministic Method = "deterministic"
	MethodSemantic      Method = "semantic"
)

// Diagnosis is a classified issue.
type Diagnosis struct {
	SignatureID      string             `json:"signature_id"`
	SignatureVersion int                `json:"signature_version"`
	Records          []source.LogRecord `json:"records"`
	Confidence       float64            `json:"confidence"`
	Method           Method             `json:"method"`
	Wildcards        int                `json:"wildcards"`
	Captures         map[string]string  `json:"captures,omitempty"`
	Timestamp        time.Time          `json:"timestamp"`

	// Entry is the signature as it was when the diagnosis was made.
	Entry *signature.Entry `json:"-"`
}

// Trigger returns the record that completed the match.
func (d Diagnosis) Trigger() source.LogRecord {
	if len(d.Records) == 0 {
		return source.LogRecord{}
	}
	return d.Records[len(d.Records)-1]
}

// Context builds the template context: structured fields of the trigger
// record, then unit, severity and message, then regex captures.
func (d Diagnosis) Context() map[string]string {
	rec := d.Trigger()
	ctx := rec.Fields()
	ctx["unit"] = rec.Unit
	ctx["severity"] = rec.Severity.String()
	ctx["message"] = rec.Message
	ctx["signature_id"] = d.SignatureID
	ctx["confidence"] = strconv.FormatFloat(d.Confidence, 'f', 2, 64)
	for k, v := range d.Captures {
		ctx[k] = v
	}
	return ctx
}

// rank orders ds best first: deterministic before semantic, fewer
// wildcards, then signature id. It returns ErrMatchAmbiguous when the
// head only won on id.
func rank(ds []Diagnosis) error {
	sort.SliceStable(ds, func(i, j int) bool {
		a, b := ds[i], ds[j]
		if a.Method != b.Method {
			return a.Method == MethodDeterministic
		}
		if a.Wildcards != b.Wildcards {
			return a.Wildcards < b.Wildcards
		}
		return a.SignatureID < b.SignatureID
	})
	if len(ds) > 1 && ds[0].Method == ds[1].Method && ds[0].Wildcards == ds[1].Wildcards {
		return ErrMatchAmbiguous
	}
	return nil
}
