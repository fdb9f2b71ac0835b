package vcns

import "encoding/json"

// EdgeStatus is the backend's health color for a deployed appliance.
type EdgeStatus string

const (
	EdgeStatusGreen  EdgeStatus = "GREEN"
	EdgeStatusYellow EdgeStatus = "YELLOW"
	EdgeStatusGrey   EdgeStatus = "GREY"
	EdgeStatusRed    EdgeStatus = "RED"
)

// Live reports whether an appliance in this state can take traffic. Anything
// but GREEN is treated as dead; callers tear down and move on rather than
// wait out a recovery.
func (s EdgeStatus) Live() bool {
	return s == EdgeStatusGreen
}

// Edge is the subset of backend appliance state the pool manager reads.
type Edge struct {
	ID            string     `json:"id,omitempty"`
	Name          string     `json:"name"`
	Status        string     `json:"status,omitempty"`
	Type          string     `json:"type,omitempty"`
	Tenant        string     `json:"tenant,omitempty"`
	Fqdn          string     `json:"fqdn,omitempty"`
	ApplianceSize string     `json:"applianceSize,omitempty"`
	Appliances    *Appliance `json:"appliances,omitempty"`
}

// Appliance carries the deployment form factor inside edge specs.
type Appliance struct {
	ApplianceSize string `json:"applianceSize"`
}

// Backend edge types. Service edges carry the vnic grid; distributed
// routers do not.
const (
	EdgeTypeGatewayServices   = "gatewayServices"
	EdgeTypeDistributedRouter = "distributedRouter"
)

// EdgeCreateSpec is the deploy request body.
type EdgeCreateSpec struct {
	Name       string       `json:"name"`
	Fqdn       string       `json:"fqdn,omitempty"`
	Tenant     string       `json:"tenant,omitempty"`
	Type       string       `json:"type"`
	Appliances *Appliance   `json:"appliances"`
	Vnics      []VnicConfig `json:"vnics,omitempty"`
}

// EdgeUpdateSpec is the update request body; rename is the only field the
// pool manager changes.
type EdgeUpdateSpec struct {
	Name string `json:"name"`
}

// VnicConfig is one interface row pushed to an appliance.
type VnicConfig struct {
	Index         int             `json:"index"`
	Name          string          `json:"name,omitempty"`
	Type          string          `json:"type,omitempty"`
	PortgroupID   string          `json:"portgroupId,omitempty"`
	AddressGroups *AddressGroups  `json:"addressGroups,omitempty"`
	IsConnected   bool            `json:"isConnected"`
	SubInterfaces json.RawMessage `json:"subInterfaces,omitempty"`
}

// VdrInterfaceConfig is one distributed-router interface row.
type VdrInterfaceConfig struct {
	Index         int            `json:"index,omitempty"`
	Name          string         `json:"name,omitempty"`
	Type          string         `json:"type,omitempty"`
	ConnectedTo   string         `json:"connectedToId,omitempty"`
	AddressGroups *AddressGroups `json:"addressGroups,omitempty"`
	IsConnected   bool           `json:"isConnected"`
}

// vdrInterfacesBody wraps interface patch requests and responses.
type vdrInterfacesBody struct {
	Interfaces []VdrInterfaceConfig `json:"interfaces"`
}

// AddressGroup assigns an interface its primary address.
type AddressGroup struct {
	PrimaryAddress     string `json:"primaryAddress"`
	SubnetMask         string `json:"subnetMask,omitempty"`
	SubnetPrefixLength string `json:"subnetPrefixLength,omitempty"`
}

// AddressGroups is the backend's nested address list envelope.
type AddressGroups struct {
	AddressGroups []AddressGroup `json:"addressGroups"`
}

// LswitchSpec creates the logical wire linking the two halves of a
// distributed router.
type LswitchSpec struct {
	DisplayName     string          `json:"display_name"`
	TransportZoneID string          `json:"transport_zone_uuid,omitempty"`
	Tags            json.RawMessage `json:"tags,omitempty"`
}

// Lswitch is the created wire.
type Lswitch struct {
	UUID        string `json:"uuid"`
	DisplayName string `json:"display_name"`
}

// DhcpConfig is the full DHCP feature state for one edge. The client
// converts it to the backend's nested envelope on the wire.
type DhcpConfig struct {
	Enabled        bool
	StaticBindings []StaticBinding
	IPPools        json.RawMessage
}

// StaticBinding is one MAC to IP lease row.
type StaticBinding struct {
	BindingID           string       `json:"bindingId,omitempty"`
	MacAddress          string       `json:"macAddress"`
	Hostname            string       `json:"hostname,omitempty"`
	IPAddress           string       `json:"ipAddress,omitempty"`
	DefaultGateway      string       `json:"defaultGateway,omitempty"`
	LeaseTime           int          `json:"leaseTime,omitempty"`
	PrimaryNameServer   string       `json:"primaryNameServer,omitempty"`
	SecondaryNameServer string       `json:"secondaryNameServer,omitempty"`
	DomainName          string       `json:"domainName,omitempty"`
	DhcpOptions         *DhcpOptions `json:"dhcpOptions,omitempty"`
}

// DhcpOptions carries per-binding options. Option 121 pushes classless
// static routes to the client.
type DhcpOptions struct {
	Option121 *DhcpOption121 `json:"option121,omitempty"`
}

// DhcpOption121 is the host route list for one binding.
type DhcpOption121 struct {
	StaticRoutes []DhcpHostRoute `json:"staticRoutes"`
}

// DhcpHostRoute is one option 121 route entry.
type DhcpHostRoute struct {
	DestinationSubnet string `json:"destinationSubnet"`
	Router            string `json:"router"`
}

// dhcpConfigBody is the envelope PUT on the DHCP endpoint.
type dhcpConfigBody struct {
	FeatureType    string            `json:"featureType"`
	Enabled        bool              `json:"enabled"`
	StaticBindings staticBindingList `json:"staticBindings"`
	IPPools        json.RawMessage   `json:"ipPools,omitempty"`
}

type staticBindingList struct {
	StaticBindings []StaticBinding `json:"staticBindings"`
}

// dhcpConfigResponse mirrors the backend's nested static binding list.
type dhcpConfigResponse struct {
	StaticBindings staticBindingList `json:"staticBindings"`
}

// SystemControlSpec pushes sysctl-style properties to an appliance.
type SystemControlSpec struct {
	FeatureType string   `json:"featureType"`
	Property    []string `json:"property"`
}

// edgePage mirrors the backend's paginated edge listing.
type edgePage struct {
	EdgePage struct {
		Data []*Edge `json:"data"`
	} `json:"edgePage"`
}

// edgeStatusResponse mirrors the health endpoint body.
type edgeStatusResponse struct {
	EdgeStatus EdgeStatus `json:"edgeStatus"`
}

// edgeJob is the backend's async job record.
type edgeJob struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	EdgeID  string `json:"edgeId"`
	Message string `json:"message,omitempty"`
}

// Backend job states.
const (
	jobStatusQueued    = "QUEUED"
	jobStatusRunning   = "RUNNING"
	jobStatusCompleted = "COMPLETED"
	jobStatusFailed    = "FAILED"
	jobStatusRollback  = "ROLLBACK"
)

// StaticRoute is one static routing table row.
type StaticRoute struct {
	Network string `json:"network"`
	NextHop string `json:"nextHop"`
	Vnic    int    `json:"vnic"`
	MTU     int    `json:"mtu,omitempty"`
}

// DefaultRoute points the default gateway out one vnic.
type DefaultRoute struct {
	GatewayAddress string `json:"gatewayAddress"`
	Vnic           int    `json:"vnic"`
	MTU            int    `json:"mtu,omitempty"`
}

// staticRoutingConfig is the routing document PUT on an edge.
type staticRoutingConfig struct {
	StaticRoutes staticRouteList `json:"staticRoutes"`
	DefaultRoute *DefaultRoute   `json:"defaultRoute,omitempty"`
}

type staticRouteList struct {
	StaticRoutes []StaticRoute `json:"staticRoutes"`
}

// NatRule is one translation row. Action is "snat" or "dnat".
type NatRule struct {
	Action            string `json:"action"`
	Vnic              int    `json:"vnic"`
	OriginalAddress   string `json:"originalAddress"`
	TranslatedAddress string `json:"translatedAddress"`
	Enabled           bool   `json:"enabled"`
	LoggingEnabled    bool   `json:"loggingEnabled"`
	Description       string `json:"description,omitempty"`
	RuleTag           int    `json:"ruleTag,omitempty"`
}

// natConfigBody is the envelope PUT on the NAT endpoint.
type natConfigBody struct {
	FeatureType string      `json:"featureType"`
	Rules       natRuleList `json:"rules"`
}

type natRuleList struct {
	Rules []NatRule `json:"natRulesDtos"`
}

// FirewallAddress selects one side of a firewall rule.
type FirewallAddress struct {
	IPAddress   []string `json:"ipAddress,omitempty"`
	VnicGroupID []string `json:"vnicGroupId,omitempty"`
}

// FirewallRule is one ordered edge firewall entry. RuleTag survives the
// round trip to the backend and lets callers correlate pushed rules with
// the backend's assigned rule IDs.
type FirewallRule struct {
	Name           string           `json:"name,omitempty"`
	RuleTag        int              `json:"ruleTag,omitempty"`
	Action         string           `json:"action"`
	Enabled        bool             `json:"enabled"`
	LoggingEnabled bool             `json:"loggingEnabled"`
	Source         *FirewallAddress `json:"source,omitempty"`
	Destination    *FirewallAddress `json:"destination,omitempty"`
	Application    json.RawMessage  `json:"application,omitempty"`
	Description    string           `json:"description,omitempty"`
}

// FirewallPolicy is the fallthrough action when no rule matches.
type FirewallPolicy struct {
	Action         string `json:"action"`
	LoggingEnabled bool   `json:"loggingEnabled"`
}

// FirewallConfig is the full rule set pushed to one edge.
type FirewallConfig struct {
	DefaultPolicy *FirewallPolicy
	Rules         []FirewallRule
}

// firewallConfigBody is the envelope PUT on the firewall endpoint.
type firewallConfigBody struct {
	FeatureType   string           `json:"featureType"`
	DefaultPolicy *FirewallPolicy  `json:"defaultPolicy,omitempty"`
	FirewallRules firewallRuleList `json:"firewallRules"`
}

type firewallRuleList struct {
	Rules []FirewallRule `json:"firewallRules"`
}

// Feature type discriminators the backend requires on config documents.
const (
	featureTypeDhcp          = "dhcp_4.0"
	featureTypeNat           = "nat"
	featureTypeFirewall      = "firewall_4.0"
	featureTypeSystemControl = "systemcontrol"
)
