package llamaparse

import "github.com/JakeFAU/pathway-indexer/internal/pipeline"

// htmlInstruction keeps already-structured web content as it is.
const htmlInstruction = "The provided text was converted from a web page and is already structured. " +
	"Convert it into clean Markdown while preserving the original headers, lists, links and order exactly. " +
	"Do not merge, split, reorder or restructure any section. " +
	"Do not summarize, drop or add content. " +
	"Keep bold and italic text formatted with **double** and *single* asterisks. " +
	"Do not enclose content in triple backticks unless it is explicitly a code block in the original text."

// pdfInstruction restructures text extracted from PDFs, which carries no
// semantic markup.
const pdfInstruction = "Convert the provided text into accurate and well-structured Markdown format, closely resembling the original PDF structure. " +
	"Use headers from H1 to H3, with H1 for main titles, H2 for sections, and H3 for subsections. " +
	"Detect any bold, large, or all-uppercase text as headers. " +
	"Preserve bullet points and numbered lists with proper indentation to reflect nested lists. " +
	"If it is not a header, ensure that bold and italic text is properly formatted using double **asterisks** for bold and single *asterisks* for italic. " +
	"Detect and correctly format blockquotes using the '>' symbol for any quoted text. " +
	"When processing text, pay attention to line breaks that may incorrectly join or split words. " +
	"Automatically correct common errors, such as wrongly concatenated words or broken lines, to ensure the text reads naturally. " +
	"If code snippets or technical commands are found, enclose them in triple backticks for proper formatting. " +
	"If any tables are detected, parse them as a title (bold header) followed by list items. " +
	"If you see the same header multiple times, merge them into one. " +
	"Do not enclose fragments of code/Markdown or any other content in triple backticks unless they are explicitly formatted as code blocks in the original text. " +
	"The final output should be a clean, concise Markdown document closely reflecting the original PDF's intent and structure without adding any extra text."

// Instruction returns the parsing instruction for a profile.
func Instruction(profile pipeline.ParseProfile) string {
	if profile == pipeline.ProfilePDF {
		return pdfInstruction
	}
	return htmlInstruction
}
