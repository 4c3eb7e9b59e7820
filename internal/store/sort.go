package store

import (
	"sort"

	"chemd/pkg/types"
)

func sortTasksBySubmission(tasks []types.TaskRecord) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].SubmittedAt.Before(tasks[j].SubmittedAt)
	})
}
