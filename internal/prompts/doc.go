// Package prompts contains the instruction texts sent to the models that
// drive triagebot's agents.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates interpolate the target repository, and the wording is
// covered by tests. Each agent gets an exported function that accepts the
// dynamic parts and returns the fully interpolated prompt.
package prompts
