// Package memory implements the long-term conversational memory pipeline.
//
// The pipeline decides what a conversation is about, which facts deserve
// permanent storage, and how to rebuild relevant context for future turns
// without unbounded prompt growth.
//
// Architecture:
//   - Store: persistent vector index over extracted facts (chromem-go)
//   - Embedder: text-to-vector conversion (Ollama, ONNX, mock)
//   - Summarizer: LLM-based compression and fact extraction (Claude)
//   - ConversationManager: buffering, summarization triggers, the
//     worthiness gate, and context assembly
//
// Data flow: raw turn -> buffer -> (threshold) -> Summarizer -> candidate
// facts -> worthiness filter -> Store.Upsert. Every turn independently:
// query -> Store.Query -> context block for the next prompt.
//
// All failures inside the subsystem are recoverable from the conversation
// loop's perspective: the agent keeps responding with degraded memory.
package memory
