// Package classify maps a service name and upstream model id to a coarse
// "model family" tag. The family is the unit of quota accounting and key
// selection throughout the gateway — it is deliberately coarser than the
// concrete model id so that, e.g., every GPT-4 snapshot shares one quota
// bucket.
package classify

import "regexp"

// Family is a closed enumeration of model families.
type Family string

const (
	FamilyTurbo      Family = "turbo"
	FamilyGPT4       Family = "gpt4"
	FamilyGPT432K    Family = "gpt4-32k"
	FamilyGPT4Turbo  Family = "gpt4-turbo"
	FamilyDallE      Family = "dall-e"
	FamilyClaude     Family = "claude"
	FamilyBison      Family = "bison"
	FamilyAWSClaude  Family = "aws-claude"
	FamilyMistral    Family = "mistral"
	FamilyUnknownFmt Family = "%s-unknown" // format string, provider substituted
)

type rule struct {
	pattern *regexp.Regexp
	family  Family
}

// openaiRules is matched top-to-bottom; first match wins. Order matters:
// more specific patterns (32k, turbo) must precede the generic gpt-4 rule.
var openaiRules = []rule{
	{regexp.MustCompile(`(?i)dall-e`), FamilyDallE},
	{regexp.MustCompile(`(?i)gpt-4-32k`), FamilyGPT432K},
	{regexp.MustCompile(`(?i)gpt-4(o|-turbo|\.1|-preview)`), FamilyGPT4Turbo},
	{regexp.MustCompile(`(?i)^gpt-4`), FamilyGPT4},
	{regexp.MustCompile(`(?i)^o[134](-|$)`), FamilyGPT4Turbo},
	{regexp.MustCompile(`(?i)gpt-3\.5-turbo`), FamilyTurbo},
}

var anthropicBedrockPrefix = regexp.MustCompile(`^anthropic\.`)

var bisonPattern = regexp.MustCompile(`\w+-bison-\d{3}`)

var mistralTable = map[string]Family{
	"mistral-large-latest": "mistral-large",
	"mistral-large":        "mistral-large",
	"mistral-large-2411":   "mistral-large",
	"mistral-medium":       "mistral-medium",
	"mistral-small-latest": "mistral-small",
	"mistral-small-2501":   "mistral-small",
	"mistral-small-2412":   "mistral-small",
	"mistral-nemo":         "mistral-nemo",
	"open-mistral-nemo":    "mistral-nemo",
	"mixtral-8x7b":         "mistral-mixtral",
	"open-mixtral-8x22b":   "mistral-mixtral",
	"codestral-latest":     "mistral-codestral",
	"codestral-2501":       "mistral-codestral",
}

// Classify maps (service, modelID) to a Family. Unknown ids never fail —
// they default to a provider-specific family tagged "<service>-unknown" so
// routing and quota accounting can still proceed, and the caller is expected
// to log a warning.
func Classify(service, modelID string) (family Family, known bool) {
	switch service {
	case "openai", "azure", "vertexai":
		for _, r := range openaiRules {
			if r.pattern.MatchString(modelID) {
				return r.family, true
			}
		}
		return unknownFamily(service), false

	case "anthropic":
		if anthropicBedrockPrefix.MatchString(modelID) {
			return FamilyAWSClaude, true
		}
		return FamilyClaude, true

	case "bedrock":
		return FamilyAWSClaude, true

	case "gemini", "google", "google-palm":
		if bisonPattern.MatchString(modelID) {
			return FamilyBison, true
		}
		return unknownFamily(service), false

	case "mistral":
		if f, ok := mistralTable[modelID]; ok {
			return f, true
		}
		return FamilyMistral, false

	default:
		return unknownFamily(service), false
	}
}

func unknownFamily(service string) Family {
	return Family(service + "-unknown")
}
