package prompts

// generalPersona is the fixed system prompt for non-emergency chat.
const generalPersona = "You are The Operator. Be clinical and concise. 2 sentences max. No markdown."

// General returns the system prompt for non-emergency exchanges.
func General() string {
	return generalPersona
}
