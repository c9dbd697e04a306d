package markdown

// Variant names distinguish cache entries per pipeline step. The single-shot
// variant keeps its historical name so existing caches stay valid.
const (
	variantSingleShot = "markdown-fixes"
	variantVerify     = "markdown-verify"
	variantStep1      = "step1-validate-replicas"
	variantStep2      = "step2-assign-roles"
	variantStep3      = "step3-remove-duplicates"
	variantStep4      = "step4-format-table"
	variantStep5      = "step5-verify-table"
	variantStep6      = "step6-ground-truth"
)

const tableFormatRules = `The table must use exactly these columns:
| Segment ID | Speaker | Text | Start Time | End Time |
Speaker is "Agent" or "Client" only. Times are seconds with two decimals.
Do not invent text. Do not change timestamps. Output ONLY the table.`

const singleShotPrompt = `You are refining a diarized call-centre conversation transcript.

Using the combined dialogue, the per-speaker transcripts, the separated track
transcripts, and the role guidance below, produce the final conversation as a
Markdown table. Fix mis-attributed replicas, remove duplicated utterances that
appear under both speakers, and label each line with the correct role.

` + tableFormatRules

const verifyPrompt = `You are verifying a refined call transcript table against its source
material. Check speaker attribution, duplicated lines, and timestamps. Return
the corrected table; if it is already correct return it unchanged.

` + tableFormatRules

const step1Prompt = `You are reviewing a diarized call-centre conversation. Check each replica
against the per-speaker and separated-track transcripts and reattach any text
fragment attributed to the wrong speaker. Keep the timeline order. Return the
corrected dialogue as plain lines in the form:
[start-end] SPEAKER_NN: text`

const step2Prompt = `Replace the SPEAKER_NN labels in this dialogue with conversational roles
using the role guidance provided. Use "Agent" for the call-centre operator and
"Client" for the customer. Keep every line, timestamp, and text unchanged.
Return the dialogue in the form:
[start-end] Role: text`

const step3Prompt = `Remove from this dialogue any line that duplicates another speaker's line
(same words recognised twice) and any line that is clearly recognition noise.
Do not reword surviving lines. Return the cleaned dialogue in the same
format.`

const step4Prompt = `Convert this dialogue into a Markdown table.

` + tableFormatRules

const step5Prompt = `Verify this conversation table against the dialogue context provided after
it. Fix role mistakes and duplicated rows. Return the corrected table; if it
is already correct return it unchanged.

` + tableFormatRules

const step6Prompt = `Compare the final conversation table with the reference transcript that
follows it. Describe briefly what the transcription missed, what it captured
well, and any attribution mistakes. Respond in plain prose, a few sentences.`
