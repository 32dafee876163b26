package orchestrator

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/Coo/internal/models"
)

// Fixed replies.
const (
	OnboardingMessage = "Welcome to Coo! Please sign up at our website to get started."
	EmergencyMessage  = "⚠️ EMERGENCY: If this is a medical emergency, CALL 911 immediately or go to the nearest emergency room. For urgent concerns, contact your pediatrician's emergency line."
	ApologyMessage    = "I'm having trouble right now. Please try again or consult your pediatrician."
	NoAnswerMessage   = "I couldn't find an answer. Please consult your pediatrician."
)

// useCase selects a system prompt.
type useCase string

const (
	useCaseGeneral           useCase = "general"
	useCaseSymptomTriage     useCase = "symptom_triage"
	useCaseVaccineInfo       useCase = "vaccine_info"
	useCaseAccountManagement useCase = "account_management"
)

var systemPrompts = map[useCase]string{
	useCaseGeneral: `You are Coo, a helpful and empathetic AI parenting assistant.
You provide evidence-based parenting advice using the knowledge base provided.
Keep responses warm, supportive, and concise (under 300 characters for SMS).
Always remind parents to consult their pediatrician for medical concerns.`,

	useCaseSymptomTriage: `You are Coo, a medical symptom triage assistant for parents.
Analyze symptoms carefully and categorize urgency:
- EMERGENCY: Call 911 immediately (e.g., difficulty breathing, unconsciousness, severe bleeding)
- URGENT: See doctor today (e.g., high fever in infant, persistent vomiting)
- ROUTINE: Schedule appointment (e.g., mild rash, cold symptoms)
- HOME_CARE: Monitor at home (e.g., teething discomfort, minor bruise)

Be conservative - when in doubt, escalate urgency level. Provide specific action steps.`,

	useCaseVaccineInfo: `You are Coo, a vaccine information specialist for parents.
Provide clear, evidence-based information about childhood vaccines.
Address common concerns with empathy. Cite CDC/AAP guidelines when relevant.
Keep responses concise and reassuring.`,

	useCaseAccountManagement: `You are Coo, a helpful assistant for account management.
Help users with questions about managing their account, adding children, subscription tiers, etc.
Be clear and concise. Direct them to the web portal for account changes.
Keep responses under 300 characters for SMS.`,
}

func useCaseFor(category models.Category) useCase {
	switch category {
	case models.CategoryVaccine:
		return useCaseVaccineInfo
	case models.CategorySymptom:
		return useCaseSymptomTriage
	case models.CategoryAccountManagement:
		return useCaseAccountManagement
	case models.CategoryDevelopment, models.CategoryActivity, models.CategoryEducation,
		models.CategoryPregnancy, models.CategoryGeneral:
		return useCaseGeneral
	}
	return useCaseGeneral
}

// SystemPrompt returns the instruction used for answers in category.
func SystemPrompt(category models.Category) string {
	return systemPrompts[useCaseFor(category)]
}

// buildUserPrompt assembles history, child context, the question and the
// retrieved sources. An empty sources string switches to the general-guidance framing.
func buildUserPrompt(question, history string, entity *models.ActiveEntity, sources string, maxLength int) string {
	var parts []string
	if h := strings.TrimRight(history, "\n"); h != "" {
		parts = append(parts, h)
	}
	if entity != nil && entity.AgeMonths != nil {
		name := entity.Name
		if name == "" {
			name = "child"
		}
		parts = append(parts, fmt.Sprintf("Child context: %s, %s old", name, models.AgeDetail(*entity.AgeMonths)))
	}
	prefix := strings.Join(parts, "\n")

	if sources != "" {
		return fmt.Sprintf("Based on the following trusted parenting resources, please answer this question:\n\n"+
			"%s\n\nCurrent question: %s\n\nResources:\n%s\n\n"+
			"Please provide a helpful, accurate answer based on these resources. Keep it under %d characters for SMS.",
			prefix, question, sources, maxLength)
	}
	return fmt.Sprintf("%s\n\nCurrent question: %s\n\n"+
		"Note: No specific resources found, but please provide general evidence-based parenting guidance. Keep it under %d characters for SMS.",
		prefix, question, maxLength)
}

// TruncateForSMS shortens text to at most maxLength runes, ending in "..." when cut.
func TruncateForSMS(text string, maxLength int) string {
	runes := []rune(text)
	if maxLength <= 0 || len(runes) <= maxLength {
		return text
	}
	if maxLength <= 3 {
		return string(runes[:maxLength])
	}
	return string(runes[:maxLength-3]) + "..."
}
