package internal

import (
	"math/rand"
	"strings"
)

// Difficulty 難度等級
//
// 難度決定單詞可被放置的方向集合：
//   - easy：右、下、右下、左下（4 方向）
//   - medium：加上左、上（6 方向）
//   - hard：全部 8 個方向（含反向對角線）
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// 每個單詞的最大放置嘗試次數，超過則放棄該單詞（非致命）
const maxPlaceAttempts = 100

type direction struct {
	dx, dy int
}

var (
	easyDirections = []direction{
		{0, 1},  // 水平
		{1, 0},  // 垂直
		{1, 1},  // 右下對角
		{1, -1}, // 左下對角
	}
	mediumDirections = []direction{
		{0, 1}, {1, 0}, {1, 1}, {1, -1},
		{0, -1}, // 水平反向
		{-1, 0}, // 垂直反向
	}
	hardDirections = []direction{
		{0, 1}, {1, 0}, {1, 1}, {1, -1},
		{0, -1}, {-1, 0},
		{-1, -1}, // 左上對角
		{-1, 1},  // 右上對角
	}
)

func directionsFor(d Difficulty) []direction {
	switch d {
	case DifficultyEasy:
		return easyDirections
	case DifficultyHard:
		return hardDirections
	default:
		return mediumDirections
	}
}

// PlacedWord 已放置的單詞及其格子座標，生成後不再變動
type PlacedWord struct {
	Word  string
	Cells []Cell
}

// Puzzle 生成的字母網格
type Puzzle struct {
	Size   int
	Words  []string
	Grid   [][]rune
	Placed map[int]PlacedWord // wordIndex -> 放置結果；放不下的單詞不在其中
}

// GeneratePuzzle 生成填字網格
//
// 純函數：給定相同的單詞列表、尺寸與隨機源，輸出完全相同的網格，
// 以支援可重現的測試。每個單詞在隨機起點與隨機允許方向上嘗試放置，
// 僅當每個字母位置都在界內且為空格或相同字母時接受（支持單詞交疊）。
// 剩餘空格以隨機字母填充。
func GeneratePuzzle(words []string, size int, difficulty Difficulty, rng *rand.Rand) *Puzzle {
	grid := make([][]rune, size)
	for i := range grid {
		grid[i] = make([]rune, size)
	}

	normalized := make([]string, len(words))
	for i, w := range words {
		normalized[i] = strings.ToUpper(w)
	}

	p := &Puzzle{
		Size:   size,
		Words:  normalized,
		Grid:   grid,
		Placed: make(map[int]PlacedWord),
	}

	dirs := directionsFor(difficulty)
	for idx, word := range normalized {
		for attempt := 0; attempt < maxPlaceAttempts; attempt++ {
			dir := dirs[rng.Intn(len(dirs))]
			row := rng.Intn(size)
			col := rng.Intn(size)
			if !p.canPlace(word, row, col, dir) {
				continue
			}
			p.place(idx, word, row, col, dir)
			break
		}
	}

	// 填充空格
	for i := range grid {
		for j := range grid[i] {
			if grid[i][j] == 0 {
				grid[i][j] = rune('A' + rng.Intn(26))
			}
		}
	}

	return p
}

func (p *Puzzle) canPlace(word string, row, col int, dir direction) bool {
	for i, ch := range word {
		r := row + i*dir.dx
		c := col + i*dir.dy
		if r < 0 || r >= p.Size || c < 0 || c >= p.Size {
			return false
		}
		if p.Grid[r][c] != 0 && p.Grid[r][c] != ch {
			return false
		}
	}
	return true
}

func (p *Puzzle) place(idx int, word string, row, col int, dir direction) {
	cells := make([]Cell, 0, len(word))
	for i, ch := range word {
		r := row + i*dir.dx
		c := col + i*dir.dy
		p.Grid[r][c] = ch
		cells = append(cells, Cell{Row: r, Col: c})
	}
	p.Placed[idx] = PlacedWord{Word: word, Cells: cells}
}

// Config 把網格轉換為可直接放入 START_GAME 的關卡配置
func (p *Puzzle) Config(level int, difficulty Difficulty) *GameConfig {
	grid := make([][]GridCell, p.Size)
	for i := range grid {
		grid[i] = make([]GridCell, p.Size)
		for j := range grid[i] {
			grid[i][j] = GridCell{
				Letter:    string(p.Grid[i][j]),
				WordIndex: -1,
			}
		}
	}
	for idx, placed := range p.Placed {
		for _, cell := range placed.Cells {
			grid[cell.Row][cell.Col].IsWordLetter = true
			grid[cell.Row][cell.Col].WordIndex = idx
		}
	}
	return &GameConfig{
		Words:        p.Words,
		Grid:         grid,
		GridSize:     p.Size,
		Mode:         "random",
		Difficulty:   string(difficulty),
		CurrentLevel: level,
	}
}

// LevelDefaults 各關卡的預設尺寸與難度，隨關卡遞增
func LevelDefaults(level int) (size int, difficulty Difficulty) {
	switch level {
	case 1:
		return 10, DifficultyEasy
	case 2:
		return 12, DifficultyMedium
	default:
		return 15, DifficultyHard
	}
}
