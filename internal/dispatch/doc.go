// Package dispatch 定时轮询外部信息流，使用持久化的已处理账本过滤重复条目，
// 并按时间先后把新条目交给处理函数。
//
// 每个信息流拥有独立的 goroutine 与 Ticker，同一信息流的两次轮询不会重叠。
// 每处理完一个条目立即落盘账本，进程中途崩溃也不会丢失处理进度。
//
// 每批条目先按时间戳从新到旧稳定排序，再扫描到第一个已处理的条目为止。
// 这要求信息流的时间戳随条目先后单调递增：晚到却带着更早时间戳的条目会被跳过。
package dispatch
