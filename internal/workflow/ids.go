package workflow

import (
	"fmt"

	"github.com/google/uuid"
)

func newExecutionID(workflowName string) string {
	return fmt.Sprintf("%s-%s", workflowName, uuid.NewString())
}
