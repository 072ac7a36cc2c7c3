package models

// State is a warrant's position in the processing state machine.
type State string

const (
	StateReceived       State = "RECEIVED"
	StateSchemaValid    State = "SCHEMA_VALID"
	StateSignatureValid State = "SIGNATURE_VALID"
	StateAnchored       State = "ANCHORED"
	StateAttested       State = "ATTESTED"
	StateReceipted      State = "RECEIPTED"
	StateRejected       State = "REJECTED"
)

var stateOrder = map[State]int{
	StateReceived:       0,
	StateSchemaValid:    1,
	StateSignatureValid: 2,
	StateAnchored:       3,
	StateAttested:       4,
	StateReceipted:      5,
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateReceipted || s == StateRejected
}

// CanTransitionTo allows one forward step along the success path, or
// REJECTED from any non-terminal state.
func (s State) CanTransitionTo(next State) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StateRejected {
		return true
	}
	from, ok := stateOrder[s]
	if !ok {
		return false
	}
	to, ok := stateOrder[next]
	return ok && to == from+1
}

// Operation is the privacy action a warrant requests.
type Operation string

const (
	OperationDeletion    Operation = "deletion"
	OperationSuppression Operation = "suppression"
	OperationRestriction Operation = "restriction"
)

func (o Operation) IsValid() bool {
	switch o {
	case OperationDeletion, OperationSuppression, OperationRestriction:
		return true
	}
	return false
}

// Scope is one requested processing scope.
type Scope string

const (
	ScopeDeleteAll          Scope = "delete_all"
	ScopeDeleteIdentifiers  Scope = "delete_identifiers"
	ScopeSuppressAll        Scope = "suppress_all"
	ScopeSuppressMarketing  Scope = "suppress_marketing"
	ScopeSuppressAnalytics  Scope = "suppress_analytics"
	ScopeRestrictProcessing Scope = "restrict_processing"
)

var scopeOperations = map[Scope]Operation{
	ScopeDeleteAll:          OperationDeletion,
	ScopeDeleteIdentifiers:  OperationDeletion,
	ScopeSuppressAll:        OperationSuppression,
	ScopeSuppressMarketing:  OperationSuppression,
	ScopeSuppressAnalytics:  OperationSuppression,
	ScopeRestrictProcessing: OperationRestriction,
}

func (s Scope) IsValid() bool {
	_, ok := scopeOperations[s]
	return ok
}

// Operation returns the operation a scope belongs to.
func (s Scope) Operation() Operation {
	return scopeOperations[s]
}

// Jurisdiction is the legal regime a warrant is issued under.
type Jurisdiction string

const (
	JurisdictionGDPR   Jurisdiction = "GDPR"
	JurisdictionCCPA   Jurisdiction = "CCPA"
	JurisdictionCPRA   Jurisdiction = "CPRA"
	JurisdictionLGPD   Jurisdiction = "LGPD"
	JurisdictionPIPEDA Jurisdiction = "PIPEDA"
	JurisdictionPDPA   Jurisdiction = "PDPA"
)

var jurisdictionBits = map[Jurisdiction]uint32{
	JurisdictionGDPR:   1 << 0,
	JurisdictionCCPA:   1 << 1,
	JurisdictionCPRA:   1 << 2,
	JurisdictionLGPD:   1 << 3,
	JurisdictionPIPEDA: 1 << 4,
	JurisdictionPDPA:   1 << 5,
}

func (j Jurisdiction) IsValid() bool {
	_, ok := jurisdictionBits[j]
	return ok
}

// Bit is the jurisdiction's position in a receipt's jurisdiction mask.
func (j Jurisdiction) Bit() uint32 {
	return jurisdictionBits[j]
}

// AssuranceLevel ranks the strength of evidence behind an attestation.
type AssuranceLevel string

const (
	AssuranceEmail          AssuranceLevel = "email"
	AssuranceDomain         AssuranceLevel = "domain"
	AssuranceLog            AssuranceLevel = "log"
	AssuranceKeyDestruction AssuranceLevel = "key_destruction"
	AssuranceHardware       AssuranceLevel = "hardware"
)

var assuranceTiers = map[AssuranceLevel]uint8{
	AssuranceEmail:          1,
	AssuranceDomain:         2,
	AssuranceLog:            3,
	AssuranceKeyDestruction: 4,
	AssuranceHardware:       5,
}

func (a AssuranceLevel) IsValid() bool {
	_, ok := assuranceTiers[a]
	return ok
}

// Tier is the numeric level committed to the ledger (1..5, 0 if unknown).
func (a AssuranceLevel) Tier() uint8 {
	return assuranceTiers[a]
}

// Satisfies reports whether a meets or exceeds required.
func (a AssuranceLevel) Satisfies(required AssuranceLevel) bool {
	return a.IsValid() && a.Tier() >= required.Tier()
}

// AttestationStatus is the enforcer's outcome for a warrant.
type AttestationStatus string

const (
	StatusDeleted    AttestationStatus = "deleted"
	StatusSuppressed AttestationStatus = "suppressed"
	StatusNotFound   AttestationStatus = "not_found"
	StatusRejected   AttestationStatus = "rejected"
)

func (s AttestationStatus) IsValid() bool {
	switch s {
	case StatusDeleted, StatusSuppressed, StatusNotFound, StatusRejected:
		return true
	}
	return false
}

// EvidenceKind names the typed evidence carried by an attestation.
type EvidenceKind string

const (
	EvidenceTEEQuote        EvidenceKind = "tee_quote"
	EvidenceAccessLog       EvidenceKind = "access_log"
	EvidenceKeyDestruction  EvidenceKind = "key_destruction"
	EvidenceDomainSignature EvidenceKind = "domain_signature"
)

var evidenceClasses = map[EvidenceKind]uint32{
	EvidenceTEEQuote:        1 << 0,
	EvidenceAccessLog:       1 << 1,
	EvidenceKeyDestruction:  1 << 2,
	EvidenceDomainSignature: 1 << 3,
}

var evidenceAssurance = map[EvidenceKind]AssuranceLevel{
	EvidenceTEEQuote:        AssuranceHardware,
	EvidenceKeyDestruction:  AssuranceKeyDestruction,
	EvidenceAccessLog:       AssuranceLog,
	EvidenceDomainSignature: AssuranceDomain,
}

func (k EvidenceKind) IsValid() bool {
	_, ok := evidenceClasses[k]
	return ok
}

// Class is the kind's bit in a receipt's evidence-class mask.
func (k EvidenceKind) Class() uint32 {
	return evidenceClasses[k]
}

// Assurance is the assurance level this kind of evidence provides.
func (k EvidenceKind) Assurance() AssuranceLevel {
	return evidenceAssurance[k]
}
