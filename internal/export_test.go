package internal

// 測試鉤子：倒數到期由 time.AfterFunc 在 120 秒後觸發，
// 測試直接以指定代數驅動到期回調，不等待真實時間。

// FireTimeout 以指定代數觸發到期回調
func (r *Room) FireTimeout(gen int) {
	r.onTimeout(gen)
}

// TimerGen 當前計時器代數
func (r *Room) TimerGen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timerGen
}
