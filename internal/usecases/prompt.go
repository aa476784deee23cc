package usecases

import (
	"strings"

	"botfactory/internal/entities"
)

// Default system prompts per bot language.
var defaultSystemPrompts = map[string]string{
	"uz": `Sen BotFactory AI yordamchisissan. Foydalanuvchilarga professional va samimiy tarzda yordam berasan.

Qoidalar:
- O'zbek tilida javob ber
- Qisqa va aniq javoblar ber
- Foydalanuvchiga yordam berishga harakat qil
- Noaniq savollar uchun aniqlik so'ra`,

	"ru": `Ты AI-помощник BotFactory. Помогай пользователям профессионально и дружелюбно.

Правила:
- Отвечай на русском языке
- Давай краткие и точные ответы
- Старайся помочь пользователю
- При неясных вопросах проси уточнения`,

	"en": `You are the BotFactory AI assistant. Help users in a professional and friendly manner.

Rules:
- Answer in English
- Keep answers short and precise
- Try to be genuinely helpful
- Ask for clarification on unclear questions`,
}

// Fixed fallback replies. Per the error contract the end user always gets
// either the real answer or one of these two.
var limitReachedMessages = map[string]string{
	"uz": "Kechirasiz, bu oy uchun xabarlar limiti tugadi. Iltimos, keyinroq qayta urinib ko'ring.",
	"ru": "Извините, лимит сообщений на этот месяц исчерпан. Попробуйте позже.",
	"en": "Sorry, this bot has reached its monthly message limit. Please try again later.",
}

var apologyMessages = map[string]string{
	"uz": "Kechirasiz, hozir javob bera olmayapman. Iltimos, keyinroq qayta urinib ko'ring.",
	"ru": "Извините, не могу ответить сейчас. Попробуйте позже.",
	"en": "Sorry, I can't respond right now. Please try again later.",
}

// LimitReachedReply returns the quota fallback for a bot's language.
func LimitReachedReply(bot *entities.TenantBot) string {
	return localized(limitReachedMessages, bot.Language)
}

// ApologyReply returns the provider-failure fallback. A bot-level custom
// fallback message takes precedence over the built-in one.
func ApologyReply(bot *entities.TenantBot) string {
	if bot.FallbackMessage != "" {
		return bot.FallbackMessage
	}
	return localized(apologyMessages, bot.Language)
}

func localized(m map[string]string, lang string) string {
	if msg, ok := m[lang]; ok {
		return msg
	}
	return m["uz"]
}

// BuildPrompt assembles the provider input: system prompt, knowledge
// context, bounded history window and the user message. History is trimmed
// oldest-first to the window size.
func BuildPrompt(bot *entities.TenantBot, snippets []entities.KnowledgeSnippet, history []entities.HistoryTurn, message string, window int) entities.Prompt {
	system := bot.SystemPrompt
	if system == "" {
		system = localized(defaultSystemPrompts, bot.Language)
	}

	context := make([]string, 0, len(snippets))
	for i := range snippets {
		context = append(context, snippets[i].Render())
	}

	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}

	return entities.Prompt{
		System:      system,
		Context:     context,
		History:     history,
		UserMessage: message,
		Temperature: bot.Temperature,
		MaxTokens:   bot.MaxTokens,
	}
}

// FlattenPrompt renders a structured prompt into the single-string form
// used by providers without native role support.
func FlattenPrompt(p entities.Prompt) string {
	var sb strings.Builder
	sb.WriteString(p.System)
	sb.WriteString("\n\n")

	if len(p.Context) > 0 {
		sb.WriteString("Ma'lumot:\n")
		sb.WriteString(strings.Join(p.Context, "\n\n---\n\n"))
		sb.WriteString("\n\n")
	}

	if len(p.History) > 0 {
		sb.WriteString("Suhbat tarixi:\n")
		for _, turn := range p.History {
			role := "Foydalanuvchi"
			if turn.Role == "assistant" {
				role = "Yordamchi"
			}
			sb.WriteString(role + ": " + turn.Text + "\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Foydalanuvchi: " + p.UserMessage + "\nYordamchi:")
	return sb.String()
}
