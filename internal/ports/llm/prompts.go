package llm

import "fmt"

const evaluatorSystem = "You are an answer quality evaluator."

func entityNamePrompt(text string) string {
	return fmt.Sprintf(`What is the name of the company in this sentence?
Analyze the following: %s
Return only the company name.`, text)
}

func sameNamePrompt(name string) string {
	return fmt.Sprintf(`List all the companies named %s. If there is one and only one company, return the company name.
If there is more than one company with the same name, list each of the companies as Company Name, Company Industry, one per line.
Do not write anything else.`, name)
}

func disambiguationPrompt(name, detail, searchAnswer string) string {
	return fmt.Sprintf(`Consider the industry of the company:
Company name: %s
Company detail: %s
Company search result: %s
Return the actual company name using all the information. Your answer should be only the real full name of the company.`,
		name, detail, searchAnswer)
}

func disambiguationQuery(name, detail string) string {
	return fmt.Sprintf("Consider the industry of the company: %s and %s Return only one full company name.", name, detail)
}

func intentPrompt(text string) string {
	return fmt.Sprintf(`Analyze the following text and select the SINGLE most relevant subject from these five options:
Text to analyze: "%s"
1. Location: Any geographical or place-related information (e.g., cities, countries, regions)
2. Business Model: Any business structure, revenue model, or operational aspects (e.g., how a company operates)
3. Investments: Any financial investments, funding, or monetary aspects (e.g., money, costs, funding)
4. Timeframe: Any temporal information, deadlines, or time-related aspects (e.g., latest, recent, upcoming, dates, periods)
5. Customers: Any customer-related information, target audience, or market segments (e.g., who buys or uses something)
If the text is not related to any of these subjects, return "None".
Return only one of: "Location", "Business Model", "Investments", "Timeframe", "Customers" or "None".`, text)
}

func locationClarityPrompt(text string) string {
	return fmt.Sprintf(`%s
Check how many location types (e.g. HQ, stores, factories) this sentence is about.
If only one location type is related return 'clear'; if more than one location type is related return 'ambiguous'.
Multiple locations do not make it ambiguous, only multiple location types do. Answer in one word: ambiguous or clear.`, text)
}

func searchQueryPrompt(entity, intent, text, refined string) string {
	return fmt.Sprintf(`Create JUST ONE search text for web search.
Company Name: "%s"
Intent: "%s"
Text: "%s"
Take into consideration this refined query: "%s"
Return only the search text.`, entity, intent, text, refined)
}

func evaluationPrompt(query, answer string) string {
	return fmt.Sprintf(`You are an answer quality evaluator. Analyze the given answer based on two main criteria:

1. Relevance (0-10):
   - Does the information directly address the user's question?
   - Is the information specific to the query?
   - Are there any irrelevant details?

2. Completeness (0-10):
   - Does the answer provide sufficient detail?
   - Are there any missing key aspects?
   - Is the information comprehensive enough?

User Query: %s
Answer to Evaluate: %s

Provide your evaluation in this format:
Relevance Score: [0-10]
Completeness Score: [0-10]
Missing Information: [List any missing key aspects]
Refinement Needed: [Yes/No]
Refined Query: [If refinement is needed, provide an improved query]`, query, answer)
}
