package handler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/teacurran/village-homepage/pkg/jobqueue"
)

type stubHandler struct {
	decl Declaration
}

func (s stubHandler) Declare() Declaration                   { return s.decl }
func (s stubHandler) Validate(json.RawMessage) error         { return nil }
func (s stubHandler) Run(context.Context, json.RawMessage) error { return nil }

func decl(jobType string) Declaration {
	return Declaration{
		Type:        jobType,
		Family:      jobqueue.FamilyDefault,
		MaxDuration: time.Minute,
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(stubHandler{decl: decl("email_send")}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	if _, err := r.Lookup("email_send"); err != nil {
		t.Errorf("Lookup(email_send) error: %v", err)
	}

	_, err := r.Lookup("nope")
	if !errors.Is(err, jobqueue.ErrUnknownType) {
		t.Errorf("Lookup(nope) error = %v, want ErrUnknownType", err)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(stubHandler{decl: decl("x")}); err != nil {
		t.Fatalf("first Register() error: %v", err)
	}
	if err := r.Register(stubHandler{decl: decl("x")}); err == nil {
		t.Error("duplicate Register() should fail")
	}
}

func TestRegisterRejectsBrokenDeclarations(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(stubHandler{decl: Declaration{Family: jobqueue.FamilyDefault, MaxDuration: time.Minute}}); err == nil {
		t.Error("empty type should be rejected")
	}
	if err := r.Register(stubHandler{decl: Declaration{Type: "a", Family: "bogus", MaxDuration: time.Minute}}); err == nil {
		t.Error("invalid family should be rejected")
	}
	if err := r.Register(stubHandler{decl: Declaration{Type: "b", Family: jobqueue.FamilyLow}}); err == nil {
		t.Error("zero max duration should be rejected")
	}
}

func TestBind(t *testing.T) {
	type payload struct {
		SiteID string `json:"site_id" validate:"required,uuid"`
		Width  int    `json:"width" validate:"omitempty,gte=1"`
	}

	var p payload
	err := Bind(json.RawMessage(`{"site_id":"7a4c83e9-93a1-4a2d-a467-6fbd0de0b0c1","extra":"ignored"}`), &p)
	if err != nil {
		t.Fatalf("Bind() error: %v", err)
	}
	if p.SiteID == "" {
		t.Error("Bind() did not populate site_id")
	}

	err = Bind(json.RawMessage(`{}`), &payload{})
	if jobqueue.Retryable(err) {
		t.Error("missing required field should be non-retryable")
	}

	err = Bind(json.RawMessage(`{not json`), &payload{})
	if err == nil || jobqueue.Retryable(err) {
		t.Errorf("malformed payload should be a non-retryable error, got %v", err)
	}
}
