package queue

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pkt.systems/blobd/api"
)

// MessageID derives the identity attached to an outbound message, later used
// by consumers for deduplication. Upload envelopes hash owner, name, size and
// the publish time; anything else gets a random identifier. What makes
// deduplication work is that redeliveries of the same broker message carry
// the same message-id property, not that the hash itself is reproducible.
func MessageID(payload any, now time.Time) string {
	switch env := payload.(type) {
	case api.UploadEnvelope:
		return envelopeID(env, now)
	case *api.UploadEnvelope:
		if env != nil {
			return envelopeID(*env, now)
		}
	}
	return uuid.NewString()
}

func envelopeID(env api.UploadEnvelope, now time.Time) string {
	sum := md5.Sum(fmt.Appendf(nil, "%s-%s-%d-%d",
		env.Metadata.OwnerID(), env.File.OriginalName, env.File.Size, now.UnixMilli()))
	return hex.EncodeToString(sum[:])
}

// FallbackID hashes a raw payload. Consumers use it when the broker supplied
// no message-id property; byte-identical but logically distinct messages
// collide, which is an accepted approximation.
func FallbackID(payload []byte) string {
	sum := md5.Sum(payload)
	return hex.EncodeToString(sum[:])
}
