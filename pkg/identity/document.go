// Package identity resolves publisher DIDs (plc and web methods) to their
// declared signing keys and service endpoints.
package identity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FlexibleContext handles both string and []string formats for the
// @context field as allowed by the DID Core specification.
type FlexibleContext []string

func (fc *FlexibleContext) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*fc = FlexibleContext(arr)
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*fc = FlexibleContext([]string{str})
		return nil
	}
	return fmt.Errorf("@context must be string or array of strings")
}

// Endpoint is a service endpoint. DID documents may carry structured
// endpoints; only plain string URLs are usable here, anything else
// unmarshals to empty.
type Endpoint string

func (e *Endpoint) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*e = ""
		return nil
	}
	*e = Endpoint(s)
	return nil
}

// Document is a DID document describing a DID subject.
// See https://www.w3.org/TR/did-core/#dfn-did-documents.
type Document struct {
	Context            FlexibleContext      `json:"@context"`
	ID                 string               `json:"id"`
	AlsoKnownAs        []string             `json:"alsoKnownAs,omitempty"`
	Controller         []string             `json:"controller,omitempty"`
	VerificationMethod []VerificationMethod `json:"verificationMethod,omitempty"`
	Service            []Service            `json:"service,omitempty"`
}

// VerificationMethod describes how to authenticate or authorize
// interactions with a DID subject.
type VerificationMethod struct {
	ID                 string `json:"id,omitempty"`
	Type               string `json:"type,omitempty"`
	Controller         string `json:"controller,omitempty"`
	PublicKeyMultibase string `json:"publicKeyMultibase,omitempty"`
}

// Service is a service advertised by a DID subject.
type Service struct {
	ID              string   `json:"id,omitempty"`
	Type            string   `json:"type,omitempty"`
	ServiceEndpoint Endpoint `json:"serviceEndpoint,omitempty"`
}

// Fragment suffixes distinguishing the label-service entries in a
// publisher's DID document.
const (
	labelKeyFragment   = "#atproto_label"
	labelerSvcFragment = "#atproto_labeler"
	pdsSvcFragment     = "#atproto_pds"
)

// LabelSigningKey returns the multibase public key the publisher signs
// labels with.
func (d *Document) LabelSigningKey() (string, error) {
	for _, vm := range d.VerificationMethod {
		if strings.HasSuffix(vm.ID, labelKeyFragment) {
			if vm.PublicKeyMultibase == "" {
				return "", fmt.Errorf("verification method %s has no publicKeyMultibase", vm.ID)
			}
			return vm.PublicKeyMultibase, nil
		}
	}
	return "", fmt.Errorf("no %s verification method in document for %s", labelKeyFragment, d.ID)
}

// LabelerEndpoint returns the base URL of the publisher's label
// subscription service.
func (d *Document) LabelerEndpoint() (string, error) {
	return d.serviceEndpoint(labelerSvcFragment)
}

// PDSEndpoint returns the publisher's personal data server, which hosts
// its record repository.
func (d *Document) PDSEndpoint() (string, error) {
	return d.serviceEndpoint(pdsSvcFragment)
}

func (d *Document) serviceEndpoint(fragment string) (string, error) {
	for _, svc := range d.Service {
		if strings.HasSuffix(svc.ID, fragment) {
			if svc.ServiceEndpoint == "" {
				return "", fmt.Errorf("service %s has no string endpoint", svc.ID)
			}
			return string(svc.ServiceEndpoint), nil
		}
	}
	return "", fmt.Errorf("no %s service in document for %s", fragment, d.ID)
}
