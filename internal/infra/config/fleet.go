package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// AccountSpec describes one fleet member as it appears in the fleet
// configuration document (spec §6.C `accounts[]`).
type AccountSpec struct {
	APIID         int    `json:"apiId"`
	APIHash       string `json:"apiHash"`
	SessionHandle string `json:"sessionHandle"`
	Phone         string `json:"phone,omitempty"`
	Password      string `json:"password,omitempty"`
}

// ProxySpec describes an optional rotating egress proxy (§6.C `proxy`).
type ProxySpec struct {
	Enabled bool   `json:"enabled"`
	Type    string `json:"type"` // socks5, socks4, http
	Host    string `json:"host"`
	Port    int    `json:"port"`
	User    string `json:"user,omitempty"`
	Pass    string `json:"pass,omitempty"`
	Ports   []int  `json:"ports,omitempty"`
}

// ForwardingSpec configures the Forwarder (§4.J / §6.C `forwarding`).
type ForwardingSpec struct {
	EnableDeduplication         bool   `json:"enableDeduplication"`
	SecondaryUniqueDestination  string `json:"secondaryUniqueDestination,omitempty"`
	ForwardToAllSavedMessages   bool   `json:"forwardToAllSavedMessages"`
	PrependOriginInfo           bool   `json:"prependOriginInfo"`
	DestinationTopicID          int    `json:"destinationTopicId,omitempty"`
	DefaultForwardingDestination string `json:"defaultForwardingDestinationId,omitempty"`
}

// InvitationDelays configures jittered invitation pacing (§4.L).
type InvitationDelays struct {
	MinSeconds float64 `json:"minSeconds"`
	MaxSeconds float64 `json:"maxSeconds"`
	Variance   float64 `json:"variance"`
}

// CloudSpec configures the cloud-mode invitation queue (§6.C `cloud`).
type CloudSpec struct {
	AutoInviteAccounts bool             `json:"autoInviteAccounts"`
	InvitationDelays   InvitationDelays `json:"invitationDelays"`
}

// OrchestratorSpec configures the Orchestrator's periodic loops (§4.L):
// cron schedules for the archive-fleet pass and the slower-cadence network
// priority refresh, plus either a static channel list or a priority
// threshold for picking archive targets dynamically.
type OrchestratorSpec struct {
	ArchiveCron          string   `json:"archiveCron"`
	NetworkRefreshCron   string   `json:"networkRefreshCron"`
	TargetChannels       []string `json:"targetChannels,omitempty"`
	PriorityThreshold    float64  `json:"priorityThreshold"`
	MaxArchiveTargets    int      `json:"maxArchiveTargets"`
	MaxConcurrentArchive int      `json:"maxConcurrentArchive"`
}

// FleetConfig is the full JSON document describing the fleet: accounts,
// proxy, rotation policy, archive toggles, forwarding and cloud settings,
// and file locations (§6.C). It is loaded once at startup via LoadFleet and
// is otherwise treated as a read-only snapshot; nothing here is mutated at
// runtime (mutable per-account health lives in the Store/AccountRegistry).
type FleetConfig struct {
	Accounts []AccountSpec `json:"accounts"`
	Proxy    ProxySpec     `json:"proxy"`

	AccountRotationMode   string `json:"accountRotationMode"`   // sequential|random|leastUsed|smart
	AccountRotationPolicy string `json:"accountRotationPolicy"` // perOperation|sticky

	DownloadMedia    bool     `json:"downloadMedia"`
	DownloadAvatars  bool     `json:"downloadAvatars"`
	ArchiveTopics    bool     `json:"archiveTopics"`
	MediaMimeWhitelist []string `json:"mediaMimeWhitelist,omitempty"`

	FetchBatchSize int `json:"fetchBatchSize"`
	FetchWaitMS    int `json:"fetchWait"`
	FetchLimit     int `json:"fetchLimit"`

	Forwarding   ForwardingSpec   `json:"forwarding"`
	Cloud        CloudSpec        `json:"cloud"`
	Orchestrator OrchestratorSpec `json:"orchestrator"`

	DBPath        string `json:"dbPath"`
	MediaDir      string `json:"mediaDir"`
	CheckpointFile string `json:"checkpointFile"`
}

const (
	defaultFetchBatchSize = 100
	defaultFetchWaitMS    = 1000
	defaultFetchLimit     = 0 // 0 == unbounded
)

// LoadFleet reads and validates the fleet configuration document at path.
// Unset numeric/string knobs fall back to conservative defaults (an empty
// rotation mode becomes "smart"); a non-empty accounts list, each entry with
// sessionHandle/apiId/apiHash, is the only hard requirement, and an unknown
// rotation mode or policy is rejected.
func LoadFleet(path string) (*FleetConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet config %s: %w", path, err)
	}

	var fc FleetConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("parse fleet config %s: %w", path, err)
	}

	if len(fc.Accounts) == 0 {
		return nil, fmt.Errorf("fleet config %s: accounts[] must not be empty", path)
	}
	for i, a := range fc.Accounts {
		if a.SessionHandle == "" {
			return nil, fmt.Errorf("fleet config %s: accounts[%d].sessionHandle must not be empty", path, i)
		}
		if a.APIID == 0 || a.APIHash == "" {
			return nil, fmt.Errorf("fleet config %s: accounts[%d] (%s) missing apiId/apiHash", path, i, a.SessionHandle)
		}
	}

	switch fc.AccountRotationMode {
	case "sequential", "random", "leastUsed", "smart":
	case "":
		fc.AccountRotationMode = "smart"
	default:
		return nil, fmt.Errorf("fleet config %s: unknown accountRotationMode %q", path, fc.AccountRotationMode)
	}

	switch fc.AccountRotationPolicy {
	case "perOperation", "sticky":
	case "":
		fc.AccountRotationPolicy = "perOperation"
	default:
		return nil, fmt.Errorf("fleet config %s: unknown accountRotationPolicy %q", path, fc.AccountRotationPolicy)
	}

	if fc.FetchBatchSize <= 0 {
		fc.FetchBatchSize = defaultFetchBatchSize
	}
	if fc.FetchWaitMS <= 0 {
		fc.FetchWaitMS = defaultFetchWaitMS
	}
	if fc.FetchLimit < 0 {
		fc.FetchLimit = defaultFetchLimit
	}
	if fc.Cloud.InvitationDelays.MinSeconds <= 0 {
		fc.Cloud.InvitationDelays.MinSeconds = 30
	}
	if fc.Cloud.InvitationDelays.MaxSeconds <= 0 {
		fc.Cloud.InvitationDelays.MaxSeconds = 120
	}
	if fc.Cloud.InvitationDelays.Variance <= 0 {
		fc.Cloud.InvitationDelays.Variance = 0.3
	}

	if fc.Orchestrator.ArchiveCron == "" {
		fc.Orchestrator.ArchiveCron = "0 */6 * * *"
	}
	if fc.Orchestrator.NetworkRefreshCron == "" {
		fc.Orchestrator.NetworkRefreshCron = "0 2 * * *"
	}
	if fc.Orchestrator.PriorityThreshold <= 0 {
		fc.Orchestrator.PriorityThreshold = 0.3
	}
	if fc.Orchestrator.MaxArchiveTargets <= 0 {
		fc.Orchestrator.MaxArchiveTargets = 50
	}
	if fc.Orchestrator.MaxConcurrentArchive <= 0 {
		fc.Orchestrator.MaxConcurrentArchive = len(fc.Accounts)
	}

	return &fc, nil
}
