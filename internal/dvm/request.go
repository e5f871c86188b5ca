// Package dvm runs NIP-90 "data vending machine" jobs: it publishes a signed
// job request to a relay set, follows the job's feedback and result events
// and exposes them as a chunk stream.
package dvm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/gencore/internal/llm"
	"github.com/kalambet/gencore/internal/nostr"
)

// Event kinds.
const (
	KindTextGeneration = 5050
	KindFeedback       = 7000
	resultOffset       = 1000
)

// Feedback statuses.
const (
	StatusPartial         = "partial"
	StatusError           = "error"
	StatusSuccess         = "success"
	StatusProcessing      = "processing"
	StatusPaymentRequired = "payment-required"
)

// Param is an ordered job parameter, encoded as ["param", key, value].
type Param struct {
	Key   string
	Value string
}

// RequestSpec describes a job to submit.
type RequestSpec struct {
	// Provider is the provider key reported in errors and telemetry.
	Provider string
	// Identity signs the request. A fresh keypair is generated when nil.
	Identity *nostr.Keys
	// Target is the hex public key of the service provider, if any.
	Target string
	Kind   int
	Input  string
	// InputType is the NIP-90 input type; "text" when empty.
	InputType string
	Output    string
	Params    []Param
	Relays    []string
	Encrypt   bool
	// Timeout is the idle timeout while awaiting feedback; the engine
	// default applies when zero.
	Timeout time.Duration
}

// JobRequest is a signed job. It is never modified after NewRequest.
type JobRequest struct {
	ID        string
	Provider  string
	Requester *nostr.Keys
	Target    string
	Kind      int
	Input     string
	Output    string
	Params    []Param
	Relays    []string
	Encrypted bool
	CreatedAt time.Time
	Timeout   time.Duration

	event *nostr.Event
}

// Event returns a copy of the signed request event.
func (r *JobRequest) Event() nostr.Event {
	ev := *r.event
	ev.Tags = append(nostr.Tags(nil), r.event.Tags...)
	return ev
}

// ResultKind is the kind of the job's result events.
func (r *JobRequest) ResultKind() int { return r.Kind + resultOffset }

// ParamsFromOptions encodes generation options as ordered job params.
func ParamsFromOptions(model string, opts llm.Options) []Param {
	var params []Param
	if model != "" {
		params = append(params, Param{Key: "model", Value: model})
	}
	if opts.Temperature != nil {
		params = append(params, Param{Key: "temperature", Value: fmt.Sprintf("%g", *opts.Temperature)})
	}
	if opts.MaxTokens > 0 {
		params = append(params, Param{Key: "max_tokens", Value: fmt.Sprint(opts.MaxTokens)})
	}
	if len(opts.Stop) > 0 {
		params = append(params, Param{Key: "stop", Value: strings.Join(opts.Stop, "\n")})
	}
	return params
}

// jobTags returns the tags carrying the job payload. When encrypted they
// become the ciphertext content of the request instead.
func jobTags(spec RequestSpec) nostr.Tags {
	inputType := spec.InputType
	if inputType == "" {
		inputType = "text"
	}
	tags := nostr.Tags{{"i", spec.Input, inputType}}
	for _, p := range spec.Params {
		tags = append(tags, nostr.Tag{"param", p.Key, p.Value})
	}
	return tags
}

func (e *Engine) buildEvent(spec RequestSpec, keys *nostr.Keys, createdAt time.Time) (*nostr.Event, error) {
	ev := &nostr.Event{
		CreatedAt: createdAt.Unix(),
		Kind:      spec.Kind,
		Tags:      nostr.Tags{},
	}

	payload := jobTags(spec)
	if spec.Encrypt {
		plain, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding job payload: %w", err)
		}
		ct, err := e.cipher.Encrypt(keys, spec.Target, string(plain))
		if err != nil {
			return nil, fmt.Errorf("encrypting job payload: %w", err)
		}
		ev.Content = ct
		ev.Tags = append(ev.Tags, nostr.Tag{"encrypted"})
	} else {
		ev.Tags = append(ev.Tags, payload...)
	}

	if spec.Output != "" {
		ev.Tags = append(ev.Tags, nostr.Tag{"output", spec.Output})
	}
	if len(spec.Relays) > 0 {
		ev.Tags = append(ev.Tags, append(nostr.Tag{"relays"}, spec.Relays...))
	}
	if spec.Target != "" {
		ev.Tags = append(ev.Tags, nostr.Tag{"p", spec.Target})
	}

	if err := keys.Sign(ev); err != nil {
		return nil, err
	}
	return ev, nil
}
