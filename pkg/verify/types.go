// Package verify runs strict/compat verification over uploaded bundles and
// owns the run-record pipeline: dedupe, rerun on settings change, status
// derivation, and side-effect fan-out.
package verify

import "time"

// Run status values.
const (
	StatusGreen      = "green"
	StatusAmber      = "amber"
	StatusRed        = "red"
	StatusProcessing = "processing"
)

// Verification modes.
const (
	ModeAuto   = "auto"
	ModeStrict = "strict"
	ModeCompat = "compat"
)

// Error and warning codes produced by the built-in verifier. The strict-mode
// root error is a fixed literal that downstream tooling matches on.
const (
	ErrStrictRequiresRoots       = "strict requires trusted governance root keys"
	WarnRootsMissingLenient      = "TRUSTED_GOVERNANCE_ROOT_KEYS_MISSING_LENIENT"
	ErrBundleNotZip              = "BUNDLE_NOT_ZIP"
	ErrManifestMissing           = "BUNDLE_MANIFEST_MISSING"
	ErrManifestInvalid           = "BUNDLE_MANIFEST_INVALID"
	ErrManifestDigestMismatch    = "MANIFEST_DIGEST_MISMATCH"
	ErrGovernanceSigInvalid      = "GOVERNANCE_SIGNATURE_INVALID"
	ErrGovernanceApprovalMissing = "GOVERNANCE_APPROVAL_MISSING"
	WarnPricingSigUnverified     = "PRICING_MATRIX_SIGNATURE_UNVERIFIED"
	ErrFailOnWarnings            = "FAIL_ON_WARNINGS"
	ErrPricingSignerNotAllowed   = "HOSTED_POLICY_PRICING_MATRIX_SIGNER_KEYID_NOT_ALLOWED"
)

// trustAnchorWarnings are the warning codes that turn an otherwise green run
// amber.
var trustAnchorWarnings = map[string]bool{
	WarnRootsMissingLenient:      true,
	ErrGovernanceApprovalMissing: true,
	WarnPricingSigUnverified:     true,
}

// Issue is one error or warning row in the verifier output.
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Target identifies what was verified. Dir is null for in-memory bundles.
type Target struct {
	Dir *string `json:"dir"`
}

// CliOutput is the VerifyCliOutput.v1 envelope.
type CliOutput struct {
	SchemaVersion string  `json:"schemaVersion"`
	OK            bool    `json:"ok"`
	Errors        []Issue `json:"errors"`
	Warnings      []Issue `json:"warnings"`
	Summary       string  `json:"summary"`
	Target        Target  `json:"target"`

	// Extracted bundle facts used by vendor policy and downstream artifacts.
	BundleType            string   `json:"bundleType,omitempty"`
	PricingSignerKeyIDs   []string `json:"pricingSignerKeyIds,omitempty"`
	GovernanceSignerKeyID string   `json:"governanceSignerKeyId,omitempty"`
}

// HasWarning reports whether the output carries a warning with the code.
func (o *CliOutput) HasWarning(code string) bool {
	for _, w := range o.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

// HasError reports whether the output carries an error with the code.
func (o *CliOutput) HasError(code string) bool {
	for _, e := range o.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// RunRecord is the MagicLinkRunRecord.v1 row persisted under
// runs/<tenantId>/<token>.json. It survives retention GC.
type RunRecord struct {
	SchemaVersion      string    `json:"schemaVersion"`
	Token              string    `json:"token"`
	TenantID           string    `json:"tenantId"`
	ZipSha256          string    `json:"zipSha256"`
	ModeResolved       string    `json:"modeResolved"`
	VerifyOK           bool      `json:"verifyOk"`
	Status             string    `json:"status"`
	BundleType         string    `json:"bundleType,omitempty"`
	VendorID           string    `json:"vendorId,omitempty"`
	VendorName         string    `json:"vendorName,omitempty"`
	ContractID         string    `json:"contractId,omitempty"`
	RunID              string    `json:"runId,omitempty"`
	TemplateID         string    `json:"templateId,omitempty"`
	TemplateConfigHash string    `json:"templateConfigHash,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	VerifiedAt         time.Time `json:"verifiedAt"`
	// SettingsHash is the verification-affecting settings hash the run was
	// produced under; a mismatch on re-upload triggers a rerun.
	SettingsHash string `json:"settingsHash"`
	RerunCount   int    `json:"rerunCount,omitempty"`
	SummaryHash  string `json:"summaryHash,omitempty"`
}

// UploadInput is one upload request after authentication.
type UploadInput struct {
	TenantID       string
	Body           []byte
	Mode           string // auto|strict|compat|"" (empty = unspecified)
	VendorID       string
	VendorName     string
	ContractID     string
	RunID          string
	TemplateID     string
	TemplateConfig string // base64url canonical JSON
}

// UploadResult is the upload response body.
type UploadResult struct {
	Token        string `json:"token"`
	Deduped      bool   `json:"deduped"`
	Rerun        bool   `json:"rerun"`
	ModeResolved string `json:"modeResolved"`
	Status       string `json:"status"`
	VerifyOK     bool   `json:"verifyOk"`
	// BuyerNotificationSkipped is set when a runId already produced a
	// notification for a different bundle.
	BuyerNotificationSkipped bool `json:"buyerNotificationSkipped,omitempty"`
}
