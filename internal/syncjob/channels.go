package syncjob

// Capabilities declares up front which backfill kinds a channel can serve.
// The flags are static; whether a particular instance is in a state to serve
// them is discovered when the fetch actually runs.
type Capabilities struct {
	History  bool
	Contacts bool
	Groups   bool
}

// Supports maps a job type to its capability flag. Unknown types are
// unsupported.
func (c Capabilities) Supports(jobType string) bool {
	switch jobType {
	case TypeMessages:
		return c.History
	case TypeContacts:
		return c.Contacts
	case TypeGroups:
		return c.Groups
	default:
		return false
	}
}

var channelCapabilities = map[string]Capabilities{
	"whatsapp-baileys": {History: true, Contacts: true, Groups: true},
	"discord":          {History: true, Contacts: false, Groups: true},
	"slack":            {History: true, Contacts: true, Groups: true},
}

// ResolveCapabilities returns the static capability flags for a channel type.
// Unknown channels support nothing, which completes their jobs as no-ops
// instead of failing them.
func ResolveCapabilities(channelType string) Capabilities {
	return channelCapabilities[channelType]
}
