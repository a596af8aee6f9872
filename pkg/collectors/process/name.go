package process

import (
	"path"
	"strings"
)

// appNames maps a command-line substring to a display name, checked in
// order. Interpreter entries (python, node) are handled separately so the
// script name wins over the interpreter name.
var appNames = []struct{ key, name string }{
	{"ollama", "Ollama"},
	{"vllm", "vLLM"},
	{"tritonserver", "Triton Server"},
	{"torchrun", "PyTorch DDP"},
	{"deepspeed", "DeepSpeed"},
	{"jupyter", "Jupyter"},
	{"nvcc", "CUDA Compiler"},
	{"code-server", "VS Code Server"},
	{"containerd", "containerd"},
	{"docker", "Docker"},
	{"npm ", "npm"},
	{"npx ", "npx"},
}

// FriendlyName derives a short display name from a process's command line,
// falling back to comm. Interpreter invocations resolve to the script or
// module being run: "python train.py" → "py:train",
// "python -m torch.distributed.launch" → "py:torch".
func FriendlyName(cmdline, comm string) string {
	parts := strings.Fields(cmdline)
	if len(parts) == 0 {
		if comm != "" {
			return comm
		}
		return "unknown"
	}
	lower := strings.ToLower(cmdline)
	base := path.Base(parts[0])

	if strings.HasPrefix(base, "python") {
		for _, app := range appNames {
			if strings.Contains(lower, app.key) {
				return app.name
			}
		}
		for i, p := range parts {
			if p == "-m" && i+1 < len(parts) {
				mod, _, _ := strings.Cut(parts[i+1], ".")
				return "py:" + mod
			}
		}
		for _, p := range parts[1:] {
			if strings.HasPrefix(p, "-") {
				continue
			}
			script := path.Base(p)
			return "py:" + strings.TrimSuffix(script, ".py")
		}
		return "Python"
	}

	if base == "node" || base == "nodejs" {
		for _, app := range appNames {
			if strings.Contains(lower, app.key) {
				return app.name
			}
		}
		for _, p := range parts[1:] {
			if !strings.HasPrefix(p, "-") {
				return "node:" + path.Base(p)
			}
		}
		return "Node.js"
	}

	for _, app := range appNames {
		if strings.Contains(lower, app.key) {
			return app.name
		}
	}
	if comm != "" {
		return comm
	}
	return base
}
