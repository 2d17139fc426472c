package kernelif

import "fmt"

// HandleHello implements the debug convenience described for the net
// process: a Request with an empty body and non-empty Metadata carrying
// plain text is treated as a "hello" and printed, with an empty Response
// sent back as acknowledgement. node is the local node's name, used as
// the message prefix.
func HandleHello(node string, req Request) (printed string, ack Response, isHello bool) {
	if len(req.Body) != 0 || req.Metadata == "" {
		return "", Response{}, false
	}
	return fmt.Sprintf("%s: %s", node, req.Metadata), Response{}, true
}
