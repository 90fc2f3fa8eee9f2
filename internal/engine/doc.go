// Package engine abstracts the conversational model behind a stream
// interface.
//
// An Engine opens one Stream per conversation. The stream pulls prompts
// from a PromptSource, runs one model call per prompt, and emits classified
// events: assistant text, tool use, a result with cost and duration metrics
// closing each turn, and errors. A failed call fails its turn but leaves
// the stream usable.
//
// The production implementation (LLM) drives a cloudwego/eino chat model.
// Each call carries a deadline, and Interrupt cancels the in-flight call
// cooperatively. Partial output from a cancelled call is discarded so a
// half-generated turn never enters the transcript.
package engine
