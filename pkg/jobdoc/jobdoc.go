// Package jobdoc defines the shared job document and listener message
// types that flow across every MASH stage service, along with the
// pipeline-order and canonical-service-name tables every component
// consults instead of comparing raw stage-name strings.
package jobdoc

import (
	"encoding/json"
	"fmt"

	"github.com/3leaps/mash/pkg/statemachine"
)

// Cloud identifies a supported cloud provider.
type Cloud string

const (
	CloudEC2    Cloud = "ec2"
	CloudAzure  Cloud = "azure"
	CloudGCE    Cloud = "gce"
	CloudAliyun Cloud = "aliyun"
	CloudOCI    Cloud = "oci"
)

func (c Cloud) Valid() bool {
	switch c {
	case CloudEC2, CloudAzure, CloudGCE, CloudAliyun, CloudOCI:
		return true
	}
	return false
}

// Status is the outcome of a stage's execution of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusException Status = "exception"
)

// Succeeded reports whether the status permits forwarding to the next stage.
func (s Status) Succeeded() bool {
	return s == StatusSuccess
}

// NotificationType controls how often the Notification Sink fires for a job.
type NotificationType string

const (
	NotificationSingle   NotificationType = "single"
	NotificationPeriodic NotificationType = "periodic"
)

// UTCTime is the job doc's utctime field: "now", "always", or an ISO-8601
// instant. It is kept as a raw string; pkg/obswatchdog is responsible for
// parsing it against the three cases.
type UTCTime string

const (
	UTCTimeNow    UTCTime = "now"
	UTCTimeAlways UTCTime = "always"
)

// Document is the immutable-per-stage job document consumed from the
// broker's job_document queue.
type Document struct {
	ID                string                 `json:"id"`
	Cloud             Cloud                  `json:"cloud"`
	RequestingUser    string                 `json:"requesting_user"`
	LastService       string                 `json:"last_service"`
	// State is the job's explicit lifecycle state within the stage
	// currently holding it (pkg/statemachine). Absent on a freshly
	// submitted document; the listener assigns StatePending on first
	// registration.
	State             statemachine.State     `json:"state,omitempty"`
	UTCTime           UTCTime                `json:"utctime"`
	Image             string                 `json:"image"`
	CloudImageName    string                 `json:"cloud_image_name"`
	ImageDescription  string                 `json:"image_description"`
	Distro            string                 `json:"distro"`
	DownloadURL       string                 `json:"download_url"`
	Tests             []string               `json:"tests,omitempty"`
	Conditions        []Condition            `json:"conditions,omitempty"`
	DisallowLicenses  []string               `json:"disallow_licenses,omitempty"`
	DisallowPackages  []string               `json:"disallow_packages,omitempty"`
	CleanupImages     *bool                  `json:"cleanup_images,omitempty"`
	NotificationEmail string                 `json:"notification_email,omitempty"`
	NotificationType  NotificationType       `json:"notification_type,omitempty"`
	CloudAccounts     map[string]interface{} `json:"cloud_accounts,omitempty"`
	// Extra holds every stage- and cloud-specific field a job document
	// carries beyond the fixed set above (e.g. target_regions, a
	// "<stage>_job" routing marker). Populated by UnmarshalJSON and
	// re-flattened onto the wire by MarshalJSON so nothing round-trips
	// lossily.
	Extra map[string]interface{} `json:"-"`
}

// documentAlias has Document's exact field set but none of its
// methods, breaking the recursion MarshalJSON/UnmarshalJSON would
// otherwise hit by calling themselves.
type documentAlias Document

// knownDocumentFields lists every json tag documentAlias declares, so
// UnmarshalJSON knows which top-level keys to route into Extra instead
// of discarding them.
var knownDocumentFields = map[string]bool{
	"id": true, "cloud": true, "requesting_user": true, "last_service": true,
	"state": true,
	"utctime": true, "image": true, "cloud_image_name": true,
	"image_description": true, "distro": true, "download_url": true,
	"tests": true, "conditions": true, "disallow_licenses": true,
	"disallow_packages": true, "cleanup_images": true,
	"notification_email": true, "notification_type": true, "cloud_accounts": true,
}

// UnmarshalJSON decodes the fixed fields normally and collects every
// other top-level key into Extra.
func (d *Document) UnmarshalJSON(data []byte) error {
	var alias documentAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	extra := make(map[string]interface{})
	for key, v := range raw {
		if knownDocumentFields[key] {
			continue
		}
		var val interface{}
		if err := json.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("jobdoc: decoding extra field %q: %w", key, err)
		}
		extra[key] = val
	}

	*d = Document(alias)
	if len(extra) > 0 {
		d.Extra = extra
	}
	return nil
}

// MarshalJSON encodes the fixed fields and flattens Extra back onto
// the top level, so a document round-trips through persist/list_all
// byte-for-byte in its field set (spec.md §8's round-trip invariant).
func (d Document) MarshalJSON() ([]byte, error) {
	fixed, err := json.Marshal(documentAlias(d))
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return fixed, nil
	}

	var merged map[string]interface{}
	if err := json.Unmarshal(fixed, &merged); err != nil {
		return nil, err
	}
	for k, v := range d.Extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Condition is a single OBS watchdog match predicate, e.g. a package
// version comparison.
type Condition struct {
	Package   string `json:"package,omitempty"`
	Version   string `json:"version,omitempty"`
	ConditionOp string `json:"condition,omitempty"`
	FilePath  string `json:"file_path,omitempty"`
}

// Message is the listener message forwarded from stage N to stage N+1,
// carrying the accumulated state of the pipeline run so far.
type Message struct {
	ID        string                 `json:"id"`
	Status    Status                 `json:"status"`
	StatusMsg map[string]interface{} `json:"status_msg"`
}

// MergeStatusMsg additively merges an incoming status_msg into this
// message's status_msg, following the teacher's output-envelope pattern
// of additive record composition: existing keys are overwritten by
// newer values, new keys are added, nothing is ever dropped.
func MergeStatusMsg(base, incoming map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(incoming))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	return out
}

// CredentialsBundle is the opaque per-account secret map supplied by the
// credentials service. It is held in memory only for the duration of a
// handler's RunJob call and is never persisted.
type CredentialsBundle map[string]map[string]string

// AccountInfo maps logical account names to cloud-specific configuration
// assembled by the Job Creator from user-submitted cloud_accounts plus
// server-resident account records.
type AccountInfo map[string]map[string]interface{}

// canonicalServiceNames is the single source of truth for stage
// identifiers. Resolves spec.md Open Question #1: the source used
// inconsistent names for the same stage across different codepaths
// (e.g. "test" vs "testing", "publish" vs "publisher").
var canonicalServiceNames = map[string]string{
	"obs":              "obs",
	"upload":           "upload",
	"uploader":         "upload",
	"create":           "create",
	"test":             "test",
	"testing":          "test",
	"raw_image_upload": "raw_image_upload",
	"replicate":        "replicate",
	"replication":      "replicate",
	"publish":          "publish",
	"publisher":        "publish",
	"deprecate":        "deprecate",
	"deprecation":      "deprecate",
}

// PipelineOrder is the canonical, fixed stage order every job document
// walks through, up to and including its last_service.
var PipelineOrder = []string{
	"obs", "upload", "create", "test", "raw_image_upload",
	"replicate", "publish", "deprecate",
}

// NonCredentialServiceNames lists stages that never need a credentials
// fetch (mirrors mash/services/base_defaults.py get_non_credential_service_names).
var NonCredentialServiceNames = map[string]bool{
	"obs": true,
}

// CanonicalServiceName normalizes any alias used in the source to its
// single canonical stage identifier.
func CanonicalServiceName(name string) (string, bool) {
	canon, ok := canonicalServiceNames[name]
	return canon, ok
}

// PipelineIndex returns the position of a canonical stage name in
// PipelineOrder, or -1 if it is not a pipeline stage.
func PipelineIndex(canonicalName string) int {
	for i, s := range PipelineOrder {
		if s == canonicalName {
			return i
		}
	}
	return -1
}

// StagesThrough returns the canonical stage names from the start of the
// pipeline up to and including lastService, in order. It returns an
// error if lastService does not normalize to a known pipeline stage.
func StagesThrough(lastService string) ([]string, error) {
	canon, ok := CanonicalServiceName(lastService)
	if !ok {
		return nil, fmt.Errorf("jobdoc: unknown last_service %q", lastService)
	}
	idx := PipelineIndex(canon)
	if idx < 0 {
		return nil, fmt.Errorf("jobdoc: %q is not a pipeline stage", canon)
	}
	out := make([]string, idx+1)
	copy(out, PipelineOrder[:idx+1])
	return out, nil
}
