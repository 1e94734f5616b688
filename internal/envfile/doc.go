// Package envfile resolves the variables used for ${NAME} substitution in
// project definitions.
//
// Variables come from an ordered list of layers rather than from ambient
// process state:
//
//	default file (.env next to the project) < explicit env-files < inline (--var) < process env
//
// Later layers win. The process environment layer is only included when the
// caller opts in (Sources.UseProcessEnv), so a definition resolves the same
// way on every machine unless asked otherwise.
//
// The env-file format is newline-separated KEY=VALUE pairs. Lines starting
// with '#' and blank lines are ignored, and no placeholder expansion happens
// inside the file itself.
package envfile
