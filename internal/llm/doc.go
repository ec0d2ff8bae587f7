// Package llm defines the text-completion contract used by the planner,
// reflection and reply synthesis, together with response caching and the
// defensive JSON extraction applied to model output.
package llm
