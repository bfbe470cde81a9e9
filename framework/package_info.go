// Package framework contains the shared pieces of the stdio contract test harness that are not
// specific to any one stage of a run.
//
// The general model is:
//
// 1. The harness launches the service under test as a child process, which speaks
// newline-delimited JSON-RPC on its standard input and output, and may print anything else it
// likes as diagnostics.
//
// 2. A script of named requests is written to the child one at a time, with a pacing delay
// between them. Responses may come back in any order and are matched to requests by ID.
//
// 3. Every line sent and received, every stderr line, and every anomaly is recorded in a
// Transcript, and the run ends with a single RunVerdict.
//
// The subpackages implement the individual stages: lines (stream reassembly), rpcwire (message
// classification and encoding), correlation (the pending request set), childproc (process
// lifecycle), preflight (the optional HTTP probe), and harness (the controller that ties them
// together).
package framework
