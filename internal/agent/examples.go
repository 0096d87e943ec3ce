package agent

import "fmt"

// ExampleQuestions 是界面上提供的示例问题
var ExampleQuestions = []string{
	"What are the top 10 complaint types by number of records?",
	"For the top 5 complaint types, what percent were closed within 3 days?",
	"Which ZIP code has the highest number of complaints?",
	"What proportion of complaints include a valid latitude/longitude?",
	"Which agency has the slowest average resolution time?",
	"Compare noise complaints in 2020 versus 2023",
}

// Example 按从 1 开始的序号取示例问题
func Example(n int) (string, error) {
	if n < 1 || n > len(ExampleQuestions) {
		return "", fmt.Errorf("example %d out of range [1, %d]", n, len(ExampleQuestions))
	}
	return ExampleQuestions[n-1], nil
}
