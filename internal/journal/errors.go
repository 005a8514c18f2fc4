package journal

import (
	"errors"

	"github.com/hxrts/aura-sub023/common"
)

var (
	ErrScopeNotFound        = common.KindError(common.KindJournal, "journal: scope not found")
	ErrFactNotFound         = common.KindError(common.KindJournal, "journal: fact not found")
	ErrCheckpointNotFound   = common.KindError(common.KindJournal, "journal: checkpoint not found")
	ErrCheckpointIncomplete = common.KindError(common.KindJournal, "journal: checkpoint references facts not yet received")
	ErrInvalidEpochBump     = common.KindError(common.KindJournal, "journal: epoch bump must strictly increase the epoch")
	ErrTransactionConflict  = common.KindError(common.KindJournal, "journal: transaction base epoch is stale")
	ErrEmptyTransaction     = common.KindError(common.KindJournal, "journal: transaction has no operations")
	ErrTransactionNotFound  = common.KindError(common.KindJournal, "journal: transaction not found")

	ErrNotAuthorized = common.KindError(common.KindAuthorization, "journal: author may not write to scope")
	ErrNotBridged    = common.KindError(common.KindAuthorization, "journal: fact belongs to another context and no bridge fact references it")

	ErrUnknownAuthor = common.KindError(common.KindAuthentication, "journal: unknown fact author")
	ErrBadSignature  = common.KindError(common.KindAuthentication, "journal: invalid fact signature")
	ErrBadConsensus  = common.KindError(common.KindAuthentication, "journal: invalid consensus proof")

	ErrFinalityBelowMinimum = common.KindError(common.KindFinality, "journal: requested finality is below the scope minimum")
	ErrFinalityTimeout      = common.KindError(common.KindFinality, "journal: finality not reached before deadline")
	ErrConsensusFailed      = common.KindError(common.KindFinality, "journal: consensus could not be reached")
	ErrNoConsensusDriver    = common.KindError(common.KindFinality, "journal: no consensus driver configured")

	ErrContextMismatch   = common.KindError(common.KindCorruption, "journal: fact belongs to another context")
	ErrCorruptEnvelope   = common.KindError(common.KindCorruption, "journal: corrupt fact envelope")
	ErrSchemaMismatch    = common.KindError(common.KindCorruption, "journal: unsupported envelope schema")
	ErrMalformedPayload  = common.KindError(common.KindCorruption, "journal: malformed system fact payload")
	ErrStateHashMismatch = common.KindError(common.KindCorruption, "journal: state hash mismatch at checkpoint")
	ErrQuarantined       = common.KindError(common.KindCorruption, "journal: scope is quarantined")

	// ErrNoFactStored is returned by stores for unknown ids.
	ErrNoFactStored = errors.New("journal: no fact stored")
	// ErrClosed is returned once the journal was closed.
	ErrClosed = errors.New("journal: closed")
)
