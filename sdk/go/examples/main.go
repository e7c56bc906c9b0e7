package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"VCMilei/sdk/go/vcmilei"
)

// main 提交一份市场报告任务并等待结果。
func main() {
	baseURL := os.Getenv("VCMILEI_API")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:3078"
	}
	client, err := vcmilei.NewClient(baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	task, err := client.SubmitTask(ctx, vcmilei.TaskSubmission{
		Kind:  vcmilei.KindMarket,
		Input: map[string]string{"dateRange": "24h"},
	})
	if err != nil {
		log.Fatalf("提交任务失败: %v", err)
	}
	fmt.Printf("任务已提交: %s\n", task.ID)

	done, err := client.WaitTask(ctx, task.ID, 2*time.Second)
	if err != nil {
		log.Fatalf("任务未完成: %v (last_error=%s)", err, done.LastError)
	}
	fmt.Printf("状态: %s\n结果: %s\n", done.Status, done.Result.Output)
}
