package castprotocol

import (
	"fmt"
	"sync/atomic"

	"github.com/vishen/go-chromecast/cast"

	"popcast.app/popcast/castmeta"
)

const (
	// DefaultReceiverAppID is Google's default media receiver.
	DefaultReceiverAppID = "CC1AD845"

	namespaceMedia    = "urn:x-cast:com.google.cast.media"
	namespaceReceiver = "urn:x-cast:com.google.cast.receiver"
	defaultSender     = "sender-0"
	defaultReceiver   = "receiver-0"
)

// Request ID counter for Chromecast messages
var requestIDCounter int32

func nextRequestID() int {
	return int(atomic.AddInt32(&requestIDCounter, 1))
}

// sender is the part of cast.Conn used for custom commands.
type sender interface {
	Send(requestID int, payload cast.Payload, sourceID, destinationID, namespace string) error
}

// CustomLoadPayload is a LOAD command with tracks, metadata and style.
type CustomLoadPayload struct {
	Type           string              `json:"type"`
	RequestId      int                 `json:"requestId"`
	Media          MediaItemWithTracks `json:"media"`
	CurrentTime    float64             `json:"currentTime"`
	Autoplay       bool                `json:"autoplay"`
	ActiveTrackIds []int               `json:"activeTrackIds,omitempty"`
}

// SetRequestId implements cast.Payload interface
func (p *CustomLoadPayload) SetRequestId(id int) {
	p.RequestId = id
}

// EditTracksPayload changes the active text tracks. An empty list turns
// subtitles off, so the field is never omitted.
type EditTracksPayload struct {
	Type           string `json:"type"`
	RequestId      int    `json:"requestId"`
	MediaSessionId int    `json:"mediaSessionId"`
	ActiveTrackIds []int  `json:"activeTrackIds"`
}

func (p *EditTracksPayload) SetRequestId(id int) {
	p.RequestId = id
}

// TrackStylePayload changes the text track style of the loaded media.
type TrackStylePayload struct {
	Type           string          `json:"type"`
	RequestId      int             `json:"requestId"`
	MediaSessionId int             `json:"mediaSessionId"`
	TextTrackStyle *TextTrackStyle `json:"textTrackStyle"`
}

func (p *TrackStylePayload) SetRequestId(id int) {
	p.RequestId = id
}

var (
	_ cast.Payload = (*CustomLoadPayload)(nil)
	_ cast.Payload = (*EditTracksPayload)(nil)
	_ cast.Payload = (*TrackStylePayload)(nil)
)

// LaunchDefaultReceiver asks the device to run the default media receiver.
func LaunchDefaultReceiver(conn sender) error {
	payload := &cast.LaunchRequest{
		PayloadHeader: cast.LaunchHeader,
		AppId:         DefaultReceiverAppID,
	}
	requestID := nextRequestID()
	payload.SetRequestId(requestID)

	if err := conn.Send(requestID, payload, defaultSender, defaultReceiver, namespaceReceiver); err != nil {
		return fmt.Errorf("launch default receiver: %w", err)
	}
	return nil
}

// LoadWithTracks sends a LOAD for md to the media receiver identified by
// transportId. Buffered stream, autoplay, starting at md's start position.
func LoadWithTracks(conn sender, transportId string, md castmeta.CastMetadata) error {
	payload := &CustomLoadPayload{
		Type:        "LOAD",
		Media:       mediaItem(md),
		CurrentTime: md.StartPosition(),
		Autoplay:    true,
	}

	requestID := nextRequestID()
	payload.SetRequestId(requestID)

	if err := conn.Send(requestID, payload, defaultSender, transportId, namespaceMedia); err != nil {
		return fmt.Errorf("send load with tracks: %w", err)
	}
	return nil
}

// EditTracks activates ids on the media session.
func EditTracks(conn sender, transportId string, mediaSessionId int, ids []int) error {
	active := make([]int, 0, len(ids))
	active = append(active, ids...)

	payload := &EditTracksPayload{
		Type:           "EDIT_TRACKS_INFO",
		MediaSessionId: mediaSessionId,
		ActiveTrackIds: active,
	}
	requestID := nextRequestID()
	payload.SetRequestId(requestID)

	if err := conn.Send(requestID, payload, defaultSender, transportId, namespaceMedia); err != nil {
		return fmt.Errorf("send edit tracks: %w", err)
	}
	return nil
}

// SetTrackStyle applies style on the media session.
func SetTrackStyle(conn sender, transportId string, mediaSessionId int, style *TextTrackStyle) error {
	if style == nil {
		style = &TextTrackStyle{}
	}
	payload := &TrackStylePayload{
		Type:           "EDIT_TRACKS_INFO",
		MediaSessionId: mediaSessionId,
		TextTrackStyle: style,
	}
	requestID := nextRequestID()
	payload.SetRequestId(requestID)

	if err := conn.Send(requestID, payload, defaultSender, transportId, namespaceMedia); err != nil {
		return fmt.Errorf("send track style: %w", err)
	}
	return nil
}
