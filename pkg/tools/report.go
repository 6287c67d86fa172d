package tools

import "context"

// ReportToolName is checked by the iteration loop: invoking it terminates
// the task successfully with the provided answer.
const ReportToolName = "report"

// ReportTool lets the model hand in its final answer explicitly instead of
// relying on a clean stop.
type ReportTool struct{}

func NewReportTool() *ReportTool { return &ReportTool{} }

func (t *ReportTool) Name() string { return ReportToolName }
func (t *ReportTool) Description() string {
	return "Submit the final answer for the task. Call this exactly once, when the task is done."
}

func (t *ReportTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"answer": map[string]any{
				"type":        "string",
				"description": "The complete final answer",
			},
			"confidence": map[string]any{
				"type":        "number",
				"description": "Confidence in the answer, 0.0-1.0",
			},
		},
		"required":             []string{"answer"},
		"additionalProperties": false,
	}
}

func (t *ReportTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	answer, _ := args["answer"].(string)
	if answer == "" {
		return FailResult(CodeInvalidInput, "answer is required", false)
	}
	return OKResult("answer recorded")
}
