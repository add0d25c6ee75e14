package events

import "strings"

// Canonical v0 event types (dot-delimited, lower-case).
//
// Core events describe direct effects: file mutations, conversation
// messages, tool calls, window activity, checkpoints, and undo batches.
const (
	TypeFileWrite   = "file.write"
	TypeFileDelete  = "file.delete"
	TypeFileMove    = "file.move"
	TypeMessage     = "message"
	TypeToolCall    = "tool.call"
	TypeToolResult  = "tool.result"
	TypeWindowOpen  = "window.open"
	TypeWindowClose = "window.close"
	TypeCheckpoint  = "checkpoint"
	TypeUndo        = "undo"
)

// Note events carry per-run typed telemetry written by the orchestrator and
// the agent. note.request.verify doubles as the commit request.
const (
	TypeNoteObservation   = "note.observation"
	TypeNoteHypothesis    = "note.hypothesis"
	TypeNoteHyperthesis   = "note.hyperthesis"
	TypeNoteConjecture    = "note.conjecture"
	TypeNoteStatus        = "note.status"
	TypeNoteRequestHelp   = "note.request.help"
	TypeNoteRequestVerify = "note.request.verify"
)

// Receipt events acknowledge side effects and derived artifacts.
const (
	TypeReceiptRead                 = "receipt.read"
	TypeReceiptPatch                = "receipt.patch"
	TypeReceiptVerifier             = "receipt.verifier"
	TypeReceiptVerifierResults      = "receipt.verifier.results"
	TypeReceiptVerifierAttestations = "receipt.verifier.attestations"
	TypeReceiptNet                  = "receipt.net"
	TypeReceiptDB                   = "receipt.db"
	TypeReceiptExport               = "receipt.export"
	TypeReceiptPublish              = "receipt.publish"
	TypeReceiptContextFootprint     = "receipt.context.footprint"
	TypeReceiptDiscrepancyReport    = "receipt.discrepancy.report"
	TypeReceiptCommit               = "receipt.commit"
	TypeReceiptAHDBDelta            = "receipt.ahdb.delta"
	TypeReceiptEvidenceSetHash      = "receipt.evidence.set.hash"
	TypeReceiptRetrieval            = "receipt.retrieval"
	TypeReceiptConjectureSet        = "receipt.conjecture.set"
	TypeReceiptPolicyDecisionTokens = "receipt.policy.decision.tokens"
	TypeReceiptSecurityAttestations = "receipt.security.attestations"
	TypeReceiptHyperthesisDelta     = "receipt.hyperthesis.delta"
	TypeReceiptExpansionPlan        = "receipt.expansion.plan"
	TypeReceiptProjectionRebuild    = "receipt.projection.rebuild"
	TypeReceiptAttackReport         = "receipt.attack.report"
	TypeReceiptDisclosureObjects    = "receipt.disclosure.objects"
	TypeReceiptMitigationProposals  = "receipt.mitigation.proposals"
	TypeReceiptPreferenceDecision   = "receipt.preference.decision"
	TypeReceiptTimeout              = "receipt.timeout"
)

// canonicalTypes is the full v0 vocabulary.
var canonicalTypes = map[string]struct{}{
	TypeFileWrite: {}, TypeFileDelete: {}, TypeFileMove: {},
	TypeMessage: {}, TypeToolCall: {}, TypeToolResult: {},
	TypeWindowOpen: {}, TypeWindowClose: {}, TypeCheckpoint: {}, TypeUndo: {},

	TypeNoteObservation: {}, TypeNoteHypothesis: {}, TypeNoteHyperthesis: {},
	TypeNoteConjecture: {}, TypeNoteStatus: {}, TypeNoteRequestHelp: {},
	TypeNoteRequestVerify: {},

	TypeReceiptRead: {}, TypeReceiptPatch: {}, TypeReceiptVerifier: {},
	TypeReceiptVerifierResults: {}, TypeReceiptVerifierAttestations: {},
	TypeReceiptNet: {}, TypeReceiptDB: {}, TypeReceiptExport: {},
	TypeReceiptPublish: {}, TypeReceiptContextFootprint: {},
	TypeReceiptDiscrepancyReport: {}, TypeReceiptCommit: {},
	TypeReceiptAHDBDelta: {}, TypeReceiptEvidenceSetHash: {},
	TypeReceiptRetrieval: {}, TypeReceiptConjectureSet: {},
	TypeReceiptPolicyDecisionTokens: {}, TypeReceiptSecurityAttestations: {},
	TypeReceiptHyperthesisDelta: {}, TypeReceiptExpansionPlan: {},
	TypeReceiptProjectionRebuild: {}, TypeReceiptAttackReport: {},
	TypeReceiptDisclosureObjects: {}, TypeReceiptMitigationProposals: {},
	TypeReceiptPreferenceDecision: {}, TypeReceiptTimeout: {},
}

// legacyTypeMap maps the pre-v0 uppercase names to canonical types.
var legacyTypeMap = map[string]string{
	"FILE_WRITE":           TypeFileWrite,
	"FILE_DELETE":          TypeFileDelete,
	"FILE_MOVE":            TypeFileMove,
	"CONVERSATION_MESSAGE": TypeMessage,
	"TOOL_CALL":            TypeToolCall,
	"TOOL_RESULT":          TypeToolResult,
	"WINDOW_OPEN":          TypeWindowOpen,
	"WINDOW_CLOSE":         TypeWindowClose,
	"CHECKPOINT":           TypeCheckpoint,
	"UNDO":                 TypeUndo,
}

// Canonical reports whether t is a member of the v0 vocabulary. Unknown
// types are accepted by the log for forward compatibility; this helper only
// classifies.
func Canonical(t string) bool {
	_, ok := canonicalTypes[t]
	return ok
}

// Normalize maps any ingress event type to canonical form. Legacy uppercase
// names take their mapped value; otherwise the type is lowered with slashes
// and underscores folded to dots, and a trailing "_RECEIPT" suffix is
// reversed into the "receipt." prefix (READ_RECEIPT → receipt.read).
// Normalize is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(eventType string) string {
	raw := strings.TrimSpace(eventType)
	if raw == "" {
		return raw
	}
	if mapped, ok := legacyTypeMap[strings.ToUpper(raw)]; ok {
		return mapped
	}

	s := strings.ToLower(raw)
	s = strings.ReplaceAll(s, "/", ".")
	s = strings.ReplaceAll(s, "_", ".")

	// READ_RECEIPT and friends put the receipt family last; canonical form
	// puts it first. Already-canonical receipt.* types are left alone so the
	// reversal cannot oscillate.
	if !strings.HasPrefix(s, "receipt.") {
		if rest, ok := strings.CutSuffix(s, ".receipt"); ok && rest != "" {
			return "receipt." + rest
		}
	}
	return s
}
