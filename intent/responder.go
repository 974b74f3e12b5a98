package intent

import "strings"

var answers = map[string]string{
	Greeting:       "Hello! Welcome to Khisima. How can we help with your translation or interpretation needs today?",
	Thanks:         "You're welcome! Is there anything else we can help you with?",
	Goodbye:        "Thank you for reaching out to Khisima. Have a wonderful day!",
	Certified:      "Yes, we provide certified and sworn translations of official documents such as diplomas, birth certificates, contracts and court papers. Send us a scan and we will confirm the requirements for the receiving authority.",
	Interpretation: "We provide consecutive, simultaneous and remote interpretation for conferences, meetings, medical and legal settings. Tell us the date, location and language pair and we will assign an interpreter.",
	Localization:   "We localize websites, apps and software, and we produce subtitles, transcriptions and voice-overs. Share the format and target languages and we will prepare a plan.",
	Pricing:        "Our rates depend on the language pair, word count, subject matter and deadline. Send us your document or a short description and we will reply with a free quote.",
	Turnaround:     "Most documents under 2,000 words are delivered within 24 to 48 hours. Larger or specialized projects are scheduled with you, and urgent delivery is available on request.",
	Languages:      "We work with English, French, Kinyarwanda, Swahili and more than 30 other African and international languages. Tell us your language pair and we will confirm availability.",
	Contact:        "You can reach us at hello@khisima.com or through this chat. Leave your email here and a specialist will get back to you.",
	Hours:          "Our team is available Monday to Friday, 8:00 to 18:00 (Kigali time), and Saturday mornings. Messages sent outside these hours are answered the next business day.",
	Location:       "Our main office is in Kigali, Rwanda, and our network of linguists works remotely across Africa, Europe and North America.",
	Careers:        "We are always looking for qualified translators and interpreters. Send your CV and language pairs to careers@khisima.com.",
	Services:       "Khisima offers document translation, certified translation, interpretation, localization, transcription, subtitling and proofreading. Which service are you interested in?",
	Ack:            "Great! Let us know if you have any other questions.",
}

var greetingVariants = []struct {
	word   string
	answer string
}{
	{"morning", "Good morning! Welcome to Khisima. How can we help with your language needs today?"},
	{"afternoon", "Good afternoon! Welcome to Khisima. How can we help with your language needs today?"},
	{"evening", "Good evening! Welcome to Khisima. How can we help with your language needs today?"},
}

// Respond 查表返回固定答复；只有 greeting 会根据时段词选择变体
func Respond(intent, rawText string) (string, bool) {
	if intent == Greeting {
		lower := strings.ToLower(rawText)
		for _, v := range greetingVariants {
			if strings.Contains(lower, v.word) {
				return v.answer, true
			}
		}
	}
	answer, ok := answers[intent]
	return answer, ok
}
