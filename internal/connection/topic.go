package connection

import "strings"

type ContentType string

const (
	ContentTypeCBOR ContentType = "cbor"
	ContentTypeJSON ContentType = "json"
)

const (
	PathSettings       = "settings"
	PathSettingsStatus = "settings/status"
	PathStateDesired   = "state/desired"
	PathStateReported  = "state/reported"
	PathRPC            = "rpc"
	PathRPCStatus      = "rpc/status"
	PathFirmwareWanted = "fw/desired"
	PathFirmwareActual = "fw/current"
)

// Topic joins device prefix with path.
func Topic(prefix, path string) string {
	return prefix + "/" + strings.TrimPrefix(path, "/")
}

// StreamTopic is `<prefix>/s/<path>/<content-type>`.
func StreamTopic(prefix, path string, ct ContentType) string {
	return Topic(prefix, "s/"+strings.Trim(path, "/")+"/"+string(ct))
}
