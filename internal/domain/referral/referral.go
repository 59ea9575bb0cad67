// Package referral implements the referral intake domain: the
// incoming referral model, the external-record lookup contract and
// the workflow selection rule.
package referral

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/intake-engine/internal/domain/provenance"
	"github.com/carebridge/intake-engine/internal/reconcile"
)

// Channel is the source channel a referral arrived through.
type Channel string

const (
	ChannelFax    Channel = "fax"
	ChannelWeb    Channel = "web"
	ChannelCall   Channel = "call"
	ChannelWalkIn Channel = "walk-in"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelFax, ChannelWeb, ChannelCall, ChannelWalkIn:
		return true
	}
	return false
}

// PatientIdentity carries the identity and contact attributes of the
// referred patient. Every attribute is provenance-wrapped; callers
// needing a bare value go through provenance.Unwrap.
type PatientIdentity struct {
	FirstName   provenance.Field[string]            `json:"first_name"`
	LastName    provenance.Field[string]            `json:"last_name"`
	DateOfBirth provenance.Field[string]            `json:"date_of_birth"`
	Phone       provenance.Field[string]            `json:"phone"`
	Email       provenance.Field[string]            `json:"email"`
	Address     provenance.Field[reconcile.Address] `json:"address"`
}

// ContactView projects the reconcilable contact attributes. Name and
// date of birth are match keys and deliberately excluded.
func (p PatientIdentity) ContactView() reconcile.PatientView {
	return reconcile.PatientView{
		Phone:   p.Phone,
		Email:   p.Email,
		Address: p.Address,
	}
}

// Prescription is the clinical order attached to a referral.
type Prescription struct {
	Diagnosis         provenance.Field[string] `json:"diagnosis"`
	ReferringProvider provenance.Field[string] `json:"referring_provider"`
	OrderText         provenance.Field[string] `json:"order_text"`
}

// IsComplete reports whether all three prescription components are
// present. Partial prescription data counts as absent.
func (p Prescription) IsComplete() bool {
	return strings.TrimSpace(p.Diagnosis.Value) != "" &&
		strings.TrimSpace(p.ReferringProvider.Value) != "" &&
		strings.TrimSpace(p.OrderText.Value) != ""
}

// Referral is an incoming patient referral awaiting intake.
type Referral struct {
	ID           string          `json:"id"`
	OrgID        string          `json:"org_id"`
	Channel      Channel         `json:"channel"`
	Patient      PatientIdentity `json:"patient"`
	Prescription Prescription    `json:"prescription"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// New constructs a referral with a fresh ID and receipt timestamp.
func New(orgID string, channel Channel, patient PatientIdentity, rx Prescription) *Referral {
	return &Referral{
		ID:           uuid.New().String(),
		OrgID:        orgID,
		Channel:      channel,
		Patient:      patient,
		Prescription: rx,
		ReceivedAt:   time.Now().UTC(),
	}
}

// ExternalRecord is a patient record found in the external record
// system. Contact attributes are optional; a missing attribute is an
// empty string, never an error.
type ExternalRecord struct {
	MRN              string   `json:"mrn"`
	FirstName        string   `json:"first_name"`
	LastName         string   `json:"last_name"`
	DateOfBirth      string   `json:"date_of_birth"`
	Phone            string   `json:"phone,omitempty"`
	Email            string   `json:"email,omitempty"`
	AddressLine      string   `json:"address_line,omitempty"`
	City             string   `json:"city,omitempty"`
	State            string   `json:"state,omitempty"`
	PostalCode       string   `json:"postal_code,omitempty"`
	PreviousEpisodes []string `json:"previous_episodes,omitempty"`
}

// ContactView projects the external record's contact attributes as an
// api_verified patient view for reconciliation.
func (r ExternalRecord) ContactView() reconcile.PatientView {
	return reconcile.PatientView{
		Phone: provenance.New(r.Phone, provenance.SourceAPIVerified),
		Email: provenance.New(r.Email, provenance.SourceAPIVerified),
		Address: provenance.New(reconcile.Address{
			Line1:      r.AddressLine,
			City:       r.City,
			State:      r.State,
			PostalCode: r.PostalCode,
		}, provenance.SourceAPIVerified),
	}
}

// IntakeResult is what intake reports back once a record and/or case
// has been created.
type IntakeResult struct {
	PatientMRN   string `json:"patient_mrn"`
	EpisodeID    string `json:"episode_id,omitempty"`
	IsNewPatient bool   `json:"is_new_patient"`
}
