package agentfile

import "strings"

// Variables are the placeholders substituted into instructions and tool
// configuration at prepare time. ${env:NAME} is deliberately left alone
// in instructions; tools resolve environment references themselves.
type Variables struct {
	Root     string
	AgentDir string
	TmpDir   string
}

// Expand substitutes ${root}, ${agentDir} and ${tmpDir}.
func Expand(text string, vars Variables) string {
	replacer := strings.NewReplacer(
		"${root}", vars.Root,
		"${agentDir}", vars.AgentDir,
		"${tmpDir}", vars.TmpDir,
	)
	return replacer.Replace(text)
}

// ExpandServer substitutes the placeholders through an MCP server
// definition, covering command, args and env values.
func ExpandServer(server MCPServer, vars Variables) MCPServer {
	out := server
	out.Command = Expand(server.Command, vars)
	if server.Args != nil {
		out.Args = make([]string, len(server.Args))
		for i, arg := range server.Args {
			out.Args[i] = Expand(arg, vars)
		}
	}
	if server.Env != nil {
		out.Env = make(map[string]string, len(server.Env))
		for k, v := range server.Env {
			out.Env[k] = Expand(v, vars)
		}
	}
	return out
}
