// Package model holds the data types shared across the discovery,
// registry, reconciliation, and dispatch components: nothing in this
// package performs I/O.
package model

import "time"

// Transport distinguishes plain IPP from TLS-wrapped IPP ("ipps").
type Transport int

const (
	TransportIPP Transport = iota
	TransportIPPS
)

func (t Transport) String() string {
	if t == TransportIPPS {
		return "ipps"
	}
	return "ipp"
}

// Family is the address family an instance was discovered on.
type Family int

const (
	FamilyUnspecified Family = iota
	FamilyIPv4
	FamilyIPv6
)

// Origin is where a discovered-printer record came from.
type Origin int

const (
	OriginDNSSD Origin = iota
	OriginPoll
	OriginLegacyBroadcast
)

// DiscoveredPrinter is the transient record produced by the discovery
// intake (component C). Its lifetime ends once it is handed to the
// registry (component D); nothing downstream holds a *DiscoveredPrinter.
type DiscoveredPrinter struct {
	Origin Origin

	// Network locator.
	Host      string
	IP        string
	Port      int
	Resource  string
	Transport Transport

	// Service identity.
	ServiceName     string
	ServiceType     string
	AdminDomain     string
	InterfaceName   string
	Family          Family
	LegacyBroadcast bool

	// Capability hints.
	Make      string
	Model     string
	MakeModel string
	Formats   []string
	Color     bool
	Duplex    bool
	Location  string

	// Classification inputs.
	IsCupsQueue bool
	UUID        string

	// Raw TXT (or polled equivalent) attributes, lower-cased keys.
	Attrs map[string]string
}

// DeviceURI returns the canonical scheme://host:port/resource URI for this
// discovered instance.
func (d DiscoveredPrinter) DeviceURI() string {
	resource := d.Resource
	if len(resource) == 0 || resource[0] != '/' {
		resource = "/" + resource
	}
	return d.Transport.String() + "://" + d.Host + portSuffix(d.Port) + resource
}

func portSuffix(port int) string {
	if port <= 0 {
		return ""
	}
	return ":" + itoa(port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Status is the remote printer entry's place in its lifecycle state
// machine: discovered-but-not-yet-provisioned through confirmed,
// missing, and gone.
type Status int

const (
	StatusToBeCreated Status = iota
	StatusConfirmed
	StatusUnconfirmed
	StatusDisappeared
	StatusToBeReleased
	StatusToBeCreatedRenamed
)

func (s Status) String() string {
	switch s {
	case StatusToBeCreated:
		return "to-be-created"
	case StatusConfirmed:
		return "confirmed"
	case StatusUnconfirmed:
		return "unconfirmed"
	case StatusDisappeared:
		return "disappeared"
	case StatusToBeReleased:
		return "to-be-released"
	case StatusToBeCreatedRenamed:
		return "to-be-created-renamed"
	default:
		return "unknown"
	}
}

// SideEffect is what the reconciler must execute as a result of a state
// transition: a state change alone never implies an action, so every
// transition returns the new status plus an explicit side effect.
type SideEffect int

const (
	SideEffectNone SideEffect = iota
	SideEffectCreateOrModify
	SideEffectDelete
	SideEffectRelease
)

// DiscoveryInstance is one interface+type+family sighting of the same
// logical remote printer.
type DiscoveryInstance struct {
	InterfaceName string
	Transport     Transport
	Family        Family
	Host          string
	IP            string
	Port          int
	Resource      string
	Origin        Origin
	DiscoveredAt  time.Time
}

func (i DiscoveryInstance) DeviceURI() string {
	d := DiscoveredPrinter{Host: i.Host, Port: i.Port, Resource: i.Resource, Transport: i.Transport}
	return d.DeviceURI()
}

// preferenceRank orders sightings: loopback first, then secure
// transport, then IPv4 over IPv6. Lower rank sorts first.
func (i DiscoveryInstance) preferenceRank() int {
	rank := 0
	if !isLoopbackHost(i.Host, i.IP) {
		rank += 4
	}
	if i.Transport != TransportIPPS {
		rank += 2
	}
	if i.Family == FamilyIPv6 {
		rank += 1
	}
	return rank
}

func isLoopbackHost(host, ip string) bool {
	return host == "localhost" || ip == "127.0.0.1" || ip == "::1"
}

// SortInstances orders discovery instances by preference and returns the
// sorted slice; element 0 is the preferred instance.
func SortInstances(instances []DiscoveryInstance) []DiscoveryInstance {
	out := append([]DiscoveryInstance(nil), instances...)
	// Instance counts per entry are tiny (single digits): an insertion
	// sort keeps the comparison colocated with its rationale instead of
	// reaching for sort.Slice with a separate less-func.
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && out[j].preferenceRank() < out[j-1].preferenceRank() {
			out[j], out[j-1] = out[j-1], out[j]
			j--
		}
	}
	return out
}

// Capabilities caches the parsed, IPP-derived attribute set for an entry.
type Capabilities struct {
	Fetched           bool
	FetchedAt         time.Time
	DriverNickname    string
	SupportedFormats  []string
	ColorSupported    bool
	DuplexSupported   bool
	MediaSizes        []string
	MediaTypes        []string
	ResolutionsDPI    []int
	DefaultResolution int
	Finishings        []string
	PrintQualities    []string
	Orientations      []string
	State             string // idle / processing / stopped
	Accepting         bool
	ActiveJobCount    int
}

// Entry is the persistent remote printer entry, the registry's unit of
// state.
type Entry struct {
	ID EntryID

	QueueName string
	Instances []DiscoveryInstance // sorted; Instances[0] is preferred
	CupsQueue bool
	Cluster   bool

	MasterOf EntryID // valid when this entry is itself a master
	IsSlave  bool
	SlaveOf  EntryID // valid when IsSlave is true

	Caps Capabilities

	PersistedOptions map[string]string

	Status Status

	NextAction   time.Time
	LegacyExpiry time.Time

	LastPrinter       int // round-robin index into confirmed cluster siblings
	OverwriteDetected bool
	RetryCount        int
	Called            bool

	StatusText string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PreferredInstance returns Instances[0], or the zero value if there are
// none (an entry recovered from persistence before first discovery).
func (e *Entry) PreferredInstance() (DiscoveryInstance, bool) {
	if e == nil || len(e.Instances) == 0 {
		return DiscoveryInstance{}, false
	}
	return e.Instances[0], true
}

// DeviceURI is the currently-exposed URI, derived from the preferred
// instance.
func (e *Entry) DeviceURI() string {
	inst, ok := e.PreferredInstance()
	if !ok {
		return ""
	}
	return inst.DeviceURI()
}

// EntryID is a stable identifier for a registry entry (a google/uuid
// value in production).
type EntryID string

// DeletedMasterID is the sentinel identifier slaves of a removed master
// are reparented to while their own removal is processed.
const DeletedMasterID EntryID = "__deleted_master__"

// Cluster is a user-defined cluster definition from configuration.
type Cluster struct {
	LocalQueueName string
	Matchers       []string // matched against sanitized name, make/model, or service name
}

// AccessRule is one allow/deny rule.
type AccessRule struct {
	Sense RuleSense
	Kind  RuleKind
	Value string
}

type RuleSense int

const (
	SenseAllow RuleSense = iota
	SenseDeny
)

type RuleKind int

const (
	KindIP RuleKind = iota
	KindNetwork
)

// FilterRule is one discovery matching-filter rule.
type FilterRule struct {
	Sense RuleSense
	Field string
	Kind  FilterKind
	Value string
}

type FilterKind int

const (
	FilterRegex FilterKind = iota
	FilterExact
	FilterBoolean
)

// JobConstraints are the subset of job attributes the dispatcher
// filters candidates against.
type JobConstraints struct {
	DataFormat   string
	MediaType    string
	PageSize     string
	Duplex       bool
	Color        bool
	Staple       bool
	Fold         bool
	Punch        bool
	PrintQuality string
	Orientation  string
}

// PrintQuality values recognized for resolution selection.
const (
	PrintQualityDraft = "draft"
	PrintQualityHigh  = "high"
)

// ForwardingFormatPriority is the priority order used to pick the
// forwarding document format.
var ForwardingFormatPriority = []string{
	"application/vnd.cups-pdf",
	"image/urf",
	"application/pdf",
	"image/pwg-raster",
	"application/PCLm",
	"application/vnd.hp-pclxl",
	"application/postscript",
	"application/pcl",
}

// QueueOnPolicy selects how the dispatcher treats processing candidates.
type QueueOnPolicy int

const (
	QueueOnClient QueueOnPolicy = iota
	QueueOnServers
)

// DispatchSelection is what H writes back onto the queue.
type DispatchSelection struct {
	JobID      int64
	URI        string
	Format     string
	Resolution int
}

const (
	SentinelAllDestsBusy = "ALL_DESTS_BUSY"
	SentinelNoDestFound  = "NO_DEST_FOUND"
)

// ShutdownMode for the auto-shutdown controller (component I).
type ShutdownMode int

const (
	ShutdownDisabled ShutdownMode = iota
	ShutdownNoQueues
	ShutdownNoJobs
)
