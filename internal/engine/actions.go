package engine

// ActionKind names one due orchestrator action. The string values double as
// dedup-tracker keys and log fields.
type ActionKind string

const (
	ActionCreateTextChannel  ActionKind = "create_text_channel"
	ActionCreateVoiceChannel ActionKind = "create_voice_channel"
	ActionReminder10         ActionKind = "reminder_10m"
	ActionReminder5          ActionKind = "reminder_5m"
	ActionReminder1          ActionKind = "reminder_1m"
	ActionOfferExtension     ActionKind = "offer_extension"
	ActionDeleteVoiceChannel ActionKind = "delete_voice_channel"
	ActionShowRatingPrompt   ActionKind = "show_rating_prompt"
	ActionCleanup            ActionKind = "cleanup"
)

// evalOrder fixes the per-record evaluation order for one pass: creation
// before reminders before teardown, so a single pass never emits
// contradictory actions (e.g. create and delete of the same channel).
var evalOrder = []ActionKind{
	ActionCreateTextChannel,
	ActionCreateVoiceChannel,
	ActionReminder10,
	ActionReminder5,
	ActionReminder1,
	ActionOfferExtension,
	ActionDeleteVoiceChannel,
	ActionShowRatingPrompt,
	ActionCleanup,
}
