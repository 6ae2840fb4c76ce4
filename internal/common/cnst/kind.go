package cnst

// Kind identifies a message sent through the correlated channel
type Kind string

const (
	// KindRequest carries "<sessionId>|<base64 challenge>" and expects the challenge back
	KindRequest Kind = "REQUEST"
	// KindResponse carries "<sessionId>|<base64 license>" and has no reply
	KindResponse Kind = "RESPONSE"
	// KindGetLogs asks for a snapshot of the exchange log
	KindGetLogs Kind = "GET_LOGS"
	// KindClear resets the exchange log and the manifest registry
	KindClear Kind = "CLEAR"
	// KindManifest carries a JSON {type,url} manifest report
	KindManifest Kind = "MANIFEST"
	// KindEndSession carries a session id whose pending entry can be dropped
	KindEndSession Kind = "END_SESSION"
	// KindOpenPickerPRD opens the device import UI
	KindOpenPickerPRD Kind = "OPEN_PICKER_PRD"
	// KindOpenPickerRemote opens the remote CDM import UI
	KindOpenPickerRemote Kind = "OPEN_PICKER_REMOTE"
)

func (k Kind) String() string {
	return string(k)
}

// DeviceType selects which CDM backend serves REQUEST and RESPONSE
type DeviceType string

const (
	DeviceTypePRD    DeviceType = "PRD"
	DeviceTypeRemote DeviceType = "REMOTE"
)

func (d DeviceType) String() string {
	return string(d)
}

// ManifestType is the classification of a streaming manifest
type ManifestType string

const (
	ManifestDASH        ManifestType = "DASH"
	ManifestHLSMaster   ManifestType = "HLS_MASTER"
	ManifestHLSPlaylist ManifestType = "HLS_PLAYLIST"
	ManifestMSS         ManifestType = "MSS"
)

func (m ManifestType) String() string {
	return string(m)
}

// DRMType tags exchange log entries
const DRMTypePlayReady = "PLAYREADY"
