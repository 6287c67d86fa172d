// kbagent - autonomous agent runtime
// License: MIT

// Package verifier scores plans and specialist outputs with deterministic
// rubrics. No LLM calls happen here.
package verifier

import (
	"fmt"
	"strings"
)

// Rubric weights.
const (
	weightCoverage  = 0.40
	weightPrecision = 0.35
	weightFiles     = 0.25
)

// Mostly-usable thresholds: a draft this good is not worth a retry even
// when severe issues were flagged.
const (
	usableMinSteps       = 4
	usableMinChangeSteps = 2
	usableMinScore       = 0.45
)

var placeholderMarkers = []string{"<TODO>", "<todo>", "TBD", "<placeholder>", "..."}

// PlanStep is one step of a plan draft under assessment.
type PlanStep struct {
	Action          string
	ExpectedOutcome string
	Files           []string
	IsChange        bool
}

// PlanDraft is the planner's candidate output.
type PlanDraft struct {
	Steps []PlanStep
}

// PlanAssessment is the rubric verdict.
type PlanAssessment struct {
	Score        float64
	Coverage     float64
	Precision    float64
	FileScore    float64
	SevereIssues []string
	MostlyUsable bool
	RetryAllowed bool
}

// AssessPlan scores a draft against the topics it must cover.
// Severe issues drive the score to zero; a single retry is allowed iff
// severe issues are present AND the draft is not mostly usable.
func AssessPlan(draft PlanDraft, requiredTopics []string, fileExists func(string) bool) PlanAssessment {
	var assessment PlanAssessment

	if len(draft.Steps) == 0 {
		assessment.SevereIssues = append(assessment.SevereIssues, "plan has no steps")
		assessment.RetryAllowed = true
		return assessment
	}

	changeSteps := 0
	preciseSteps := 0
	var referenced []string

	for i, step := range draft.Steps {
		if strings.TrimSpace(step.Action) == "" {
			assessment.SevereIssues = append(assessment.SevereIssues,
				fmt.Sprintf("step %d is missing an action", i+1))
		}
		if strings.TrimSpace(step.ExpectedOutcome) == "" {
			assessment.SevereIssues = append(assessment.SevereIssues,
				fmt.Sprintf("step %d is missing an expected outcome", i+1))
		}
		for _, marker := range placeholderMarkers {
			if strings.Contains(step.Action, marker) || strings.Contains(step.ExpectedOutcome, marker) {
				assessment.SevereIssues = append(assessment.SevereIssues,
					fmt.Sprintf("step %d contains placeholder text", i+1))
				break
			}
		}
		if step.IsChange {
			changeSteps++
		}
		if len(step.Action) > 10 && len(step.ExpectedOutcome) > 10 {
			preciseSteps++
		}
		referenced = append(referenced, step.Files...)
	}

	assessment.Coverage = topicCoverage(draft, requiredTopics)
	assessment.Precision = float64(preciseSteps) / float64(len(draft.Steps))
	assessment.FileScore = fileValidity(referenced, fileExists)

	if len(assessment.SevereIssues) == 0 {
		assessment.Score = weightCoverage*assessment.Coverage +
			weightPrecision*assessment.Precision +
			weightFiles*assessment.FileScore
	}

	// MostlyUsable is judged on the weighted sub-scores even when severe
	// issues zeroed the headline score.
	rawScore := weightCoverage*assessment.Coverage +
		weightPrecision*assessment.Precision +
		weightFiles*assessment.FileScore
	assessment.MostlyUsable = len(draft.Steps) >= usableMinSteps &&
		changeSteps >= usableMinChangeSteps &&
		rawScore >= usableMinScore

	assessment.RetryAllowed = len(assessment.SevereIssues) > 0 && !assessment.MostlyUsable
	return assessment
}

func topicCoverage(draft PlanDraft, topics []string) float64 {
	if len(topics) == 0 {
		return 1
	}
	var all strings.Builder
	for _, step := range draft.Steps {
		all.WriteString(strings.ToLower(step.Action))
		all.WriteString(" ")
		all.WriteString(strings.ToLower(step.ExpectedOutcome))
		all.WriteString(" ")
	}
	text := all.String()

	covered := 0
	for _, topic := range topics {
		if strings.Contains(text, strings.ToLower(topic)) {
			covered++
		}
	}
	return float64(covered) / float64(len(topics))
}

func fileValidity(files []string, fileExists func(string) bool) float64 {
	if len(files) == 0 {
		return 1
	}
	valid := 0
	for _, f := range files {
		if f == "" || strings.Contains(f, "<") {
			continue
		}
		if fileExists == nil || fileExists(f) {
			valid++
		}
	}
	return float64(valid) / float64(len(files))
}
