// Package dedupe remembers tool-call ids so a callback is never executed
// twice, whether the first attempt is still running or finished recently.
package dedupe
