package intent

import "fmt"

// Fixed replies of the registration flow.
const (
	MsgAskName        = "I'd be happy to help you add a child! What's their name?"
	MsgInvalidName    = "Please provide a valid name (2-50 characters)."
	MsgInvalidDate    = "I couldn't understand that date. Please use MM/DD/YYYY format (e.g., 03/15/2022)"
	MsgFutureDate     = "Birthdate can't be in the future! Please use MM/DD/YYYY format."
	MsgTooOld         = "That seems too old. Coo is for children up to 5 years. Please check the birthdate."
	MsgRestart        = "Sorry, something went wrong. Let's start over. What's your child's name?"
	MsgUnknownState   = "Sorry, I got confused. Let's start over. What's your child's name?"
	MsgCancelled      = "Ok, cancelled. How else can I help you?"
	MsgAccountMissing = "Sorry, I couldn't find your account. Please contact support."
)

func msgAskBirthdate(name string) string {
	return fmt.Sprintf("Thanks! When was %s born? Please use format MM/DD/YYYY (e.g., 03/15/2022)", name)
}

func msgCreated(name, age string) string {
	return fmt.Sprintf("Perfect! I've added %s (%s) to your account. You can now ask me questions about %s!", name, age, name)
}

func msgCreateFailed(name string) string {
	return fmt.Sprintf("Sorry, I couldn't add %s. Please try again or use the web portal.", name)
}

func msgLimitReached(limit int, tier string) string {
	return fmt.Sprintf("You've reached the limit of %d children for your %s tier. Upgrade to add more!", limit, tier)
}
