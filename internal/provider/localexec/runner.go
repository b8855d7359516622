package localexec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"strings"

	xerrors "OpenMCP-Orchestra/internal/errors"
	"OpenMCP-Orchestra/internal/mcp"
)

// Runner 通过调用本地进程实现模型推理，请求与响应经由标准输入输出按 JSON 交换。
type Runner struct {
	execPath   string
	args       []string
	workingDir string
}

// NewRunner 创建本地进程驱动。
func NewRunner(execPath string, args []string, workingDir string) (*Runner, error) {
	if strings.TrimSpace(execPath) == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "未指定本地模型命令")
	}
	return &Runner{
		execPath:   execPath,
		args:       args,
		workingDir: workingDir,
	}, nil
}

// Send 执行外部进程，并解析输出。
func (r *Runner) Send(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	stdout, err := r.run(ctx, req)
	if err != nil {
		return nil, err
	}

	var resp mcp.Response
	if err := json.Unmarshal(stdout, &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProvider, err, "解析本地模型输出失败")
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stream 执行外部进程，标准输出按行解析为响应分片。
func (r *Runner) Stream(ctx context.Context, req *mcp.Request) (<-chan mcp.PartialResponse, error) {
	stdout, err := r.run(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan mcp.PartialResponse)
	go func() {
		defer close(out)

		scanner := bufio.NewScanner(bytes.NewReader(stdout))
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		sawFinal := false
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var chunk mcp.PartialResponse
			if err := json.Unmarshal([]byte(line), &chunk); err != nil {
				continue
			}
			if chunk.IsFinal {
				sawFinal = true
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if !sawFinal {
			select {
			case out <- mcp.PartialResponse{IsFinal: true}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func (r *Runner) run(ctx context.Context, req *mcp.Request) ([]byte, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProvider, err, "序列化请求失败")
	}

	command := exec.CommandContext(ctx, r.execPath, r.args...)
	if r.workingDir != "" {
		command.Dir = r.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProvider, err, "执行本地模型命令失败",
			xerrors.WithMetadata("stderr", strings.TrimSpace(stderr.String())))
	}
	return stdout.Bytes(), nil
}

// ResolveExecPath 根据工作目录推导命令绝对路径。
func ResolveExecPath(baseDir, command string) string {
	if command == "" {
		return ""
	}
	if filepath.IsAbs(command) {
		return command
	}
	if baseDir == "" {
		return command
	}
	if strings.ContainsRune(command, filepath.Separator) {
		return filepath.Join(baseDir, command)
	}
	// 纯命令名交给 PATH 查找。
	return command
}
