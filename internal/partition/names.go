package partition

import "fmt"

// Logical tensor names follow the checkpoint's external contract
// (hugging-face llama layout); they are not redesigned here.
const (
	EmbeddingName = "model.embed_tokens.weight"
	FinalNormName = "model.norm.weight"
	OutputName    = "lm_head.weight"
)

func AttnNormName(layer int) string {
	return fmt.Sprintf("model.layers.%d.input_layernorm.weight", layer)
}

func AttnQName(layer int) string {
	return fmt.Sprintf("model.layers.%d.self_attn.q_proj.weight", layer)
}

func AttnKName(layer int) string {
	return fmt.Sprintf("model.layers.%d.self_attn.k_proj.weight", layer)
}

func AttnVName(layer int) string {
	return fmt.Sprintf("model.layers.%d.self_attn.v_proj.weight", layer)
}

func AttnOName(layer int) string {
	return fmt.Sprintf("model.layers.%d.self_attn.o_proj.weight", layer)
}

func FFNNormName(layer int) string {
	return fmt.Sprintf("model.layers.%d.post_attention_layernorm.weight", layer)
}

func FFNGateName(layer int) string {
	return fmt.Sprintf("model.layers.%d.mlp.gate_proj.weight", layer)
}

func FFNUpName(layer int) string {
	return fmt.Sprintf("model.layers.%d.mlp.up_proj.weight", layer)
}

func FFNDownName(layer int) string {
	return fmt.Sprintf("model.layers.%d.mlp.down_proj.weight", layer)
}
