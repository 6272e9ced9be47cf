package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bhandras/delight/sync/internal/wire"
)

// Client -> server request event names.
const (
	eventUpdateMetadata        = "update-metadata"
	eventUpdateState           = "update-state"
	eventMachineUpdateMetadata = "machine-update-metadata"
	eventMessage               = "message"
)

const versionedRequestTimeout = 5 * time.Second

// UpdateSessionMetadata sends an optimistic-concurrency metadata update for
// a session. On success it returns the new version; on ErrVersionMismatch
// the returned ack carries the server's current version and value.
func (c *Client) UpdateSessionMetadata(ctx context.Context, sessionID, metadata string, expectedVersion int64) (wire.VersionedAck, error) {
	return c.versionedRequest(ctx, eventUpdateMetadata, wire.UpdateSessionMetadataRequest{
		SID:             sessionID,
		Metadata:        metadata,
		ExpectedVersion: expectedVersion,
	})
}

// UpdateSessionState sends an optimistic-concurrency agent-state update for
// a session.
func (c *Client) UpdateSessionState(ctx context.Context, sessionID, agentState string, expectedVersion int64) (wire.VersionedAck, error) {
	return c.versionedRequest(ctx, eventUpdateState, wire.UpdateSessionStateRequest{
		SID:             sessionID,
		AgentState:      agentState,
		ExpectedVersion: expectedVersion,
	})
}

// UpdateMachineMetadata sends an optimistic-concurrency metadata update for
// a machine.
func (c *Client) UpdateMachineMetadata(ctx context.Context, machineID, metadata string, expectedVersion int64) (wire.VersionedAck, error) {
	return c.versionedRequest(ctx, eventMachineUpdateMetadata, wire.UpdateMachineMetadataRequest{
		MachineID:       machineID,
		Metadata:        metadata,
		ExpectedVersion: expectedVersion,
	})
}

// SendSessionMessage emits an encrypted session message. Delivery feedback
// arrives through the update stream as a new-message event, not via ack.
func (c *Client) SendSessionMessage(sessionID, encryptedMessage, localID string) error {
	return c.Send(eventMessage, wire.SessionMessagePayload{
		SID:     sessionID,
		Message: encryptedMessage,
		LocalID: localID,
	})
}

func (c *Client) versionedRequest(ctx context.Context, event string, payload any) (wire.VersionedAck, error) {
	raw, err := c.Request(ctx, event, payload, versionedRequestTimeout)
	if err != nil {
		return wire.VersionedAck{}, err
	}

	var ack wire.VersionedAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return wire.VersionedAck{}, fmt.Errorf("decode %s ack: %w", event, err)
	}
	switch ack.Result {
	case wire.AckSuccess:
		return ack, nil
	case wire.AckVersionMismatch:
		return ack, ErrVersionMismatch
	default:
		if ack.Message != "" {
			return ack, fmt.Errorf("%s rejected: %s", event, ack.Message)
		}
		return ack, fmt.Errorf("%s rejected: %s", event, ack.Result)
	}
}
